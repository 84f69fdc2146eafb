package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"telegram-concierge/internal/domain"
)

const (
	skProfile    = "PROFILE#"
	skPrefixMsg  = "MSG#"
	ttlDuration  = 30 * 24 * time.Hour // 30-day TTL
	attrNotExist = "attribute_not_exists(PK) AND attribute_not_exists(SK)"
)

// ErrUserNotFound is returned by GetUser when no profile item exists.
var ErrUserNotFound = errors.New("repository: user not found")

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Client wraps a DynamoDB table holding user profiles and their append-only
// message log in a single-table layout.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

// Seams for tests.
var (
	nowFn  = func() time.Time { return time.Now().UTC() }
	skUUID = func() string { return uuid.NewString()[:8] }
)

// userPK returns the partition key for a user.
func userPK(userID string) string {
	return "USER#" + userID
}

// msgSK returns the sort key for a message. The UUID suffix breaks
// same-nanosecond ties; ordering is still by timestamp.
func msgSK(ts time.Time) string {
	return skPrefixMsg + ts.UTC().Format(time.RFC3339Nano) + "#" + skUUID()
}

// ttlValue returns a Unix timestamp 30 days in the future.
func ttlValue() int64 {
	return nowFn().Add(ttlDuration).Unix()
}

// GetUser reads the profile item for a user. Returns ErrUserNotFound when no
// profile exists yet.
func (c *Client) GetUser(ctx context.Context, userID string) (domain.User, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPK(userID)},
			"SK": &types.AttributeValueMemberS{Value: skProfile},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.User{}, fmt.Errorf("repository: GetUser get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.User{}, ErrUserNotFound
	}
	user, err := itemToUser(out.Item)
	if err != nil {
		return domain.User{}, fmt.Errorf("repository: GetUser decode: %w", err)
	}
	return user, nil
}

// CreateUser writes a fresh profile item with zero counters. A lost create
// race (another handler wrote the profile first) falls back to a read so
// concurrent first messages for the same user converge on one record.
func (c *Client) CreateUser(ctx context.Context, userID string) (domain.User, error) {
	now := nowFn()
	user := domain.User{
		UserID:         userID,
		DailyResetAt:   now,
		MonthlyResetAt: now,
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                userItem(user),
		ConditionExpression: aws.String(attrNotExist),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return c.GetUser(ctx, userID)
		}
		return domain.User{}, fmt.Errorf("repository: CreateUser: %w", err)
	}
	return user, nil
}

// ResetDailyWindow zeroes the daily counter and advances its reset stamp,
// conditioned on the stamp still holding its previously observed value so a
// concurrent handler cannot reset the same window twice. A lost race is
// benign: the already-reset user is re-read and returned.
func (c *Client) ResetDailyWindow(ctx context.Context, userID string, observed, now time.Time) (domain.User, error) {
	return c.resetWindow(ctx, userID, "dailyTokensUsed", "dailyResetAt", observed, now)
}

// ResetMonthlyWindow is the monthly counterpart of ResetDailyWindow.
func (c *Client) ResetMonthlyWindow(ctx context.Context, userID string, observed, now time.Time) (domain.User, error) {
	return c.resetWindow(ctx, userID, "monthlyTokensUsed", "monthlyResetAt", observed, now)
}

func (c *Client) resetWindow(ctx context.Context, userID, counterAttr, stampAttr string, observed, now time.Time) (domain.User, error) {
	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPK(userID)},
			"SK": &types.AttributeValueMemberS{Value: skProfile},
		},
		UpdateExpression:    aws.String("SET #counter = :zero, #stamp = :now"),
		ConditionExpression: aws.String("#stamp = :observed"),
		ExpressionAttributeNames: map[string]string{
			"#counter": counterAttr,
			"#stamp":   stampAttr,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":zero":     &types.AttributeValueMemberN{Value: "0"},
			":now":      &types.AttributeValueMemberS{Value: now.UTC().Format(time.RFC3339Nano)},
			":observed": &types.AttributeValueMemberS{Value: observed.UTC().Format(time.RFC3339Nano)},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			// Someone else already crossed this window boundary.
			return c.GetUser(ctx, userID)
		}
		return domain.User{}, fmt.Errorf("repository: reset %s: %w", counterAttr, err)
	}
	user, err := itemToUser(out.Attributes)
	if err != nil {
		return domain.User{}, fmt.Errorf("repository: reset %s decode: %w", counterAttr, err)
	}
	return user, nil
}

// AddUsage atomically increments both usage counters by tokens and returns
// the updated user. The ADD expression keeps concurrent handlers for the
// same user from losing increments.
func (c *Client) AddUsage(ctx context.Context, userID string, tokens int64) (domain.User, error) {
	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPK(userID)},
			"SK": &types.AttributeValueMemberS{Value: skProfile},
		},
		UpdateExpression: aws.String("ADD dailyTokensUsed :t, monthlyTokensUsed :t"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t": &types.AttributeValueMemberN{Value: strconv.FormatInt(tokens, 10)},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		return domain.User{}, fmt.Errorf("repository: AddUsage: %w", err)
	}
	user, err := itemToUser(out.Attributes)
	if err != nil {
		return domain.User{}, fmt.Errorf("repository: AddUsage decode: %w", err)
	}
	return user, nil
}

// SetMemory overwrites the user's compressed conversation digest.
func (c *Client) SetMemory(ctx context.Context, userID, memory string) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPK(userID)},
			"SK": &types.AttributeValueMemberS{Value: skProfile},
		},
		UpdateExpression: aws.String("SET #mem = :m"),
		ExpressionAttributeNames: map[string]string{
			"#mem": "memory",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":m": &types.AttributeValueMemberS{Value: memory},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: SetMemory: %w", err)
	}
	return nil
}

// AppendMessage persists a new message with a server-assigned timestamp.
// The conditional put guards the sort-key collision; one retry with a fresh
// key is enough.
func (c *Client) AppendMessage(ctx context.Context, userID, role, content string) (domain.Message, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		now := nowFn()
		msg := domain.Message{
			UserID:    userID,
			Role:      role,
			Content:   content,
			CreatedAt: now,
		}
		_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(c.tableName),
			Item:                messageItem(msg, msgSK(now)),
			ConditionExpression: aws.String(attrNotExist),
		})
		if err == nil {
			return msg, nil
		}
		lastErr = err
		if !isConditionalCheckFailed(err) {
			break
		}
	}
	return domain.Message{}, fmt.Errorf("repository: AppendMessage: %w", lastErr)
}

// RecentMessages returns the last n messages in chronological order. The
// query reads newest first so LIMIT favors the most recent context, then
// reverses.
func (c *Client) RecentMessages(ctx context.Context, userID string, n int) ([]domain.Message, error) {
	msgs, err := c.queryMessages(ctx, userID, n)
	if err != nil {
		return nil, fmt.Errorf("repository: RecentMessages: %w", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (c *Client) queryMessages(ctx context.Context, userID string, limit int) ([]domain.Message, error) {
	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: userPK(userID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	msgs := make([]domain.Message, 0, len(out.Items))
	for _, item := range out.Items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, fmt.Errorf("unmarshal: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func userItem(u domain.User) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":                &types.AttributeValueMemberS{Value: userPK(u.UserID)},
		"SK":                &types.AttributeValueMemberS{Value: skProfile},
		"userId":            &types.AttributeValueMemberS{Value: u.UserID},
		"dailyTokensUsed":   &types.AttributeValueMemberN{Value: strconv.FormatInt(u.DailyTokensUsed, 10)},
		"monthlyTokensUsed": &types.AttributeValueMemberN{Value: strconv.FormatInt(u.MonthlyTokensUsed, 10)},
		"dailyResetAt":      &types.AttributeValueMemberS{Value: u.DailyResetAt.UTC().Format(time.RFC3339Nano)},
		"monthlyResetAt":    &types.AttributeValueMemberS{Value: u.MonthlyResetAt.UTC().Format(time.RFC3339Nano)},
		"memory":            &types.AttributeValueMemberS{Value: u.Memory},
	}
}

func messageItem(m domain.Message, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: userPK(m.UserID)},
		"SK":        &types.AttributeValueMemberS{Value: sk},
		"userId":    &types.AttributeValueMemberS{Value: m.UserID},
		"role":      &types.AttributeValueMemberS{Value: m.Role},
		"content":   &types.AttributeValueMemberS{Value: m.Content},
		"createdAt": &types.AttributeValueMemberS{Value: m.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"ttl":       &types.AttributeValueMemberN{Value: strconv.FormatInt(ttlValue(), 10)},
	}
}

func itemToUser(item map[string]types.AttributeValue) (domain.User, error) {
	userID, err := strAttr(item, "userId")
	if err != nil {
		return domain.User{}, err
	}
	daily, err := intAttr(item, "dailyTokensUsed")
	if err != nil {
		return domain.User{}, err
	}
	monthly, err := intAttr(item, "monthlyTokensUsed")
	if err != nil {
		return domain.User{}, err
	}
	dailyReset, err := timeAttr(item, "dailyResetAt")
	if err != nil {
		return domain.User{}, err
	}
	monthlyReset, err := timeAttr(item, "monthlyResetAt")
	if err != nil {
		return domain.User{}, err
	}
	memory, _ := strAttr(item, "memory") // allow empty

	return domain.User{
		UserID:            userID,
		DailyTokensUsed:   daily,
		MonthlyTokensUsed: monthly,
		DailyResetAt:      dailyReset,
		MonthlyResetAt:    monthlyReset,
		Memory:            memory,
	}, nil
}

func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	userID, err := strAttr(item, "userId")
	if err != nil {
		return domain.Message{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Message{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Message{}, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Message{}, err
	}
	return domain.Message{
		UserID:    userID,
		Role:      role,
		Content:   content,
		CreatedAt: createdAt,
	}, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return ts, nil
}
