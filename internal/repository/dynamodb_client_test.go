package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"
)

type fakeDynamo struct {
	getOut    *dynamodb.GetItemOutput
	getErr    error
	putErr    error
	queryOut  *dynamodb.QueryOutput
	queryErr  error
	updateOut *dynamodb.UpdateItemOutput
	updateErr error

	lastGetInput    *dynamodb.GetItemInput
	lastPutInput    *dynamodb.PutItemInput
	lastQueryIn     *dynamodb.QueryInput
	lastUpdateInput *dynamodb.UpdateItemInput
	putCalls        int
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	f.putCalls++
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.lastQueryIn = in
	return f.queryOut, f.queryErr
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.lastUpdateInput = in
	return f.updateOut, f.updateErr
}

func userAttrs(userID string, daily, monthly int64, memory string) map[string]types.AttributeValue {
	stamp := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC).Format(time.RFC3339Nano)
	return map[string]types.AttributeValue{
		"PK":                &types.AttributeValueMemberS{Value: "USER#" + userID},
		"SK":                &types.AttributeValueMemberS{Value: skProfile},
		"userId":            &types.AttributeValueMemberS{Value: userID},
		"dailyTokensUsed":   &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", daily)},
		"monthlyTokensUsed": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", monthly)},
		"dailyResetAt":      &types.AttributeValueMemberS{Value: stamp},
		"monthlyResetAt":    &types.AttributeValueMemberS{Value: stamp},
		"memory":            &types.AttributeValueMemberS{Value: memory},
	}
}

func msgAttrs(userID, role, content string, ts time.Time) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: "USER#" + userID},
		"SK":        &types.AttributeValueMemberS{Value: skPrefixMsg + ts.Format(time.RFC3339Nano) + "#aaaa1111"},
		"userId":    &types.AttributeValueMemberS{Value: userID},
		"role":      &types.AttributeValueMemberS{Value: role},
		"content":   &types.AttributeValueMemberS{Value: content},
		"createdAt": &types.AttributeValueMemberS{Value: ts.Format(time.RFC3339Nano)},
	}
}

// ---------------------------------------------------------------------------
// New
// ---------------------------------------------------------------------------

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "table")
	require.Error(t, err)

	_, err = New(&fakeDynamo{}, "  ")
	require.Error(t, err)
}

// ---------------------------------------------------------------------------
// GetUser / CreateUser
// ---------------------------------------------------------------------------

func TestGetUser_NotFound(t *testing.T) {
	api := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}
	c, err := New(api, "table")
	require.NoError(t, err)

	_, err = c.GetUser(context.Background(), "42")
	require.ErrorIs(t, err, ErrUserNotFound)

	pk := api.lastGetInput.Key["PK"].(*types.AttributeValueMemberS)
	require.Equal(t, "USER#42", pk.Value)
}

func TestGetUser_DecodesProfile(t *testing.T) {
	api := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: userAttrs("42", 10, 20, "likes go")}}
	c, err := New(api, "table")
	require.NoError(t, err)

	user, err := c.GetUser(context.Background(), "42")
	require.NoError(t, err)
	require.Equal(t, "42", user.UserID)
	require.Equal(t, int64(10), user.DailyTokensUsed)
	require.Equal(t, int64(20), user.MonthlyTokensUsed)
	require.Equal(t, "likes go", user.Memory)
}

func TestCreateUser_ZeroCounters(t *testing.T) {
	api := &fakeDynamo{}
	c, err := New(api, "table")
	require.NoError(t, err)

	user, err := c.CreateUser(context.Background(), "42")
	require.NoError(t, err)
	require.Equal(t, "42", user.UserID)
	require.Zero(t, user.DailyTokensUsed)
	require.Zero(t, user.MonthlyTokensUsed)
	require.NotNil(t, api.lastPutInput.ConditionExpression)
}

func TestCreateUser_LostRaceFallsBackToRead(t *testing.T) {
	api := &fakeDynamo{
		putErr: &types.ConditionalCheckFailedException{},
		getOut: &dynamodb.GetItemOutput{Item: userAttrs("42", 5, 5, "")},
	}
	c, err := New(api, "table")
	require.NoError(t, err)

	user, err := c.CreateUser(context.Background(), "42")
	require.NoError(t, err)
	require.Equal(t, int64(5), user.DailyTokensUsed)
}

// ---------------------------------------------------------------------------
// window resets
// ---------------------------------------------------------------------------

func TestResetDailyWindow_ConditionalUpdate(t *testing.T) {
	api := &fakeDynamo{updateOut: &dynamodb.UpdateItemOutput{Attributes: userAttrs("42", 0, 20, "")}}
	c, err := New(api, "table")
	require.NoError(t, err)

	observed := time.Date(2025, 6, 14, 9, 0, 0, 0, time.UTC)
	now := time.Date(2025, 6, 15, 0, 0, 1, 0, time.UTC)
	user, err := c.ResetDailyWindow(context.Background(), "42", observed, now)
	require.NoError(t, err)
	require.Zero(t, user.DailyTokensUsed)

	in := api.lastUpdateInput
	require.Equal(t, "SET #counter = :zero, #stamp = :now", *in.UpdateExpression)
	require.Equal(t, "#stamp = :observed", *in.ConditionExpression)
	require.Equal(t, "dailyTokensUsed", in.ExpressionAttributeNames["#counter"])
	require.Equal(t, "dailyResetAt", in.ExpressionAttributeNames["#stamp"])
	obs := in.ExpressionAttributeValues[":observed"].(*types.AttributeValueMemberS)
	require.Equal(t, observed.Format(time.RFC3339Nano), obs.Value)
}

func TestResetMonthlyWindow_LostRaceRereads(t *testing.T) {
	api := &fakeDynamo{
		updateErr: &types.ConditionalCheckFailedException{},
		getOut:    &dynamodb.GetItemOutput{Item: userAttrs("42", 0, 0, "")},
	}
	c, err := New(api, "table")
	require.NoError(t, err)

	user, err := c.ResetMonthlyWindow(context.Background(), "42", time.Now(), time.Now())
	require.NoError(t, err)
	require.Zero(t, user.MonthlyTokensUsed)
}

// ---------------------------------------------------------------------------
// AddUsage
// ---------------------------------------------------------------------------

func TestAddUsage_AtomicAddExpression(t *testing.T) {
	api := &fakeDynamo{updateOut: &dynamodb.UpdateItemOutput{Attributes: userAttrs("42", 15, 25, "")}}
	c, err := New(api, "table")
	require.NoError(t, err)

	user, err := c.AddUsage(context.Background(), "42", 5)
	require.NoError(t, err)
	require.Equal(t, int64(15), user.DailyTokensUsed)
	require.Equal(t, int64(25), user.MonthlyTokensUsed)

	in := api.lastUpdateInput
	require.Equal(t, "ADD dailyTokensUsed :t, monthlyTokensUsed :t", *in.UpdateExpression)
	tok := in.ExpressionAttributeValues[":t"].(*types.AttributeValueMemberN)
	require.Equal(t, "5", tok.Value)
	require.Equal(t, types.ReturnValueAllNew, in.ReturnValues)
}

func TestAddUsage_Error(t *testing.T) {
	api := &fakeDynamo{updateErr: errors.New("throttled")}
	c, err := New(api, "table")
	require.NoError(t, err)

	_, err = c.AddUsage(context.Background(), "42", 5)
	require.Error(t, err)
	require.ErrorContains(t, err, "throttled")
}

// ---------------------------------------------------------------------------
// SetMemory
// ---------------------------------------------------------------------------

func TestSetMemory_OverwritesDigest(t *testing.T) {
	api := &fakeDynamo{updateOut: &dynamodb.UpdateItemOutput{}}
	c, err := New(api, "table")
	require.NoError(t, err)

	require.NoError(t, c.SetMemory(context.Background(), "42", "- wants recipes"))

	in := api.lastUpdateInput
	require.Equal(t, "SET #mem = :m", *in.UpdateExpression)
	m := in.ExpressionAttributeValues[":m"].(*types.AttributeValueMemberS)
	require.Equal(t, "- wants recipes", m.Value)
}

// ---------------------------------------------------------------------------
// AppendMessage
// ---------------------------------------------------------------------------

func TestAppendMessage_ServerAssignedTimestamp(t *testing.T) {
	fixed := time.Date(2025, 6, 15, 12, 0, 0, 123456789, time.UTC)
	restoreNow, restoreUUID := nowFn, skUUID
	nowFn = func() time.Time { return fixed }
	skUUID = func() string { return "deadbeef" }
	defer func() { nowFn, skUUID = restoreNow, restoreUUID }()

	api := &fakeDynamo{}
	c, err := New(api, "table")
	require.NoError(t, err)

	msg, err := c.AppendMessage(context.Background(), "42", "user", "hello")
	require.NoError(t, err)
	require.Equal(t, fixed, msg.CreatedAt)

	sk := api.lastPutInput.Item["SK"].(*types.AttributeValueMemberS)
	require.Equal(t, skPrefixMsg+fixed.Format(time.RFC3339Nano)+"#deadbeef", sk.Value)
	require.NotNil(t, api.lastPutInput.ConditionExpression)
	role := api.lastPutInput.Item["role"].(*types.AttributeValueMemberS)
	require.Equal(t, "user", role.Value)
}

func TestAppendMessage_RetriesOnceOnKeyCollision(t *testing.T) {
	api := &fakeDynamo{putErr: &types.ConditionalCheckFailedException{}}
	c, err := New(api, "table")
	require.NoError(t, err)

	_, err = c.AppendMessage(context.Background(), "42", "user", "hello")
	require.Error(t, err)
	require.Equal(t, 2, api.putCalls)
}

// ---------------------------------------------------------------------------
// RecentMessages
// ---------------------------------------------------------------------------

func TestRecentMessages_ReversesToChronological(t *testing.T) {
	t1 := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	t2 := time.Date(2025, 6, 15, 11, 0, 0, 0, time.UTC)
	// Newest first, as DynamoDB returns with ScanIndexForward=false.
	api := &fakeDynamo{queryOut: &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{
		msgAttrs("42", "assistant", "second", t2),
		msgAttrs("42", "user", "first", t1),
	}}}
	c, err := New(api, "table")
	require.NoError(t, err)

	msgs, err := c.RecentMessages(context.Background(), "42", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "first", msgs[0].Content)
	require.Equal(t, "second", msgs[1].Content)
	require.False(t, *api.lastQueryIn.ScanIndexForward)
	require.Equal(t, int32(2), *api.lastQueryIn.Limit)
}

func TestQueryMessages_Error(t *testing.T) {
	api := &fakeDynamo{queryErr: errors.New("boom")}
	c, err := New(api, "table")
	require.NoError(t, err)

	_, err = c.RecentMessages(context.Background(), "42", 5)
	require.Error(t, err)
}
