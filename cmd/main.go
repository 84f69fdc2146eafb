package main

import (
	"context"
	"log/slog"
	"math/rand"
	"os"
	"strconv"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"telegram-concierge/handler"
	"telegram-concierge/internal/budget"
	"telegram-concierge/internal/integrations/openai"
	"telegram-concierge/internal/integrations/paramstore"
	"telegram-concierge/internal/integrations/telegram"
	"telegram-concierge/internal/repository"
	"telegram-concierge/internal/usecase"
)

func main() {
	ctx := context.Background()
	logger := slog.Default()

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	dailyTokenCap := envInt("DAILY_TOKEN_CAP", 20000)
	monthlyTokenCap := envInt("MONTHLY_TOKEN_CAP", 300000)
	contextMessages := envInt("CONTEXT_MESSAGE_COUNT", 20)
	maxRetryAttempts := envInt("MAX_RETRY_ATTEMPTS", 3)
	maxTokensPerReply := envInt("MAX_TOKENS_PER_REPLY", 512)
	compressProbability := envFloat("COMPRESSION_TRIGGER_PROBABILITY", 0)
	compressThreshold := envInt("COMPRESSION_THRESHOLD_BYTES", 8192)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		logger.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	stateClient, err := repository.New(awsdynamodb.NewFromConfig(cfg), stateTable)
	if err != nil {
		logger.Error("failed to create state client", "err", err)
		os.Exit(1)
	}
	openaiClient, err := openai.NewClient(ssmClient, paramPrefix)
	if err != nil {
		logger.Error("failed to create OpenAI client", "err", err)
		os.Exit(1)
	}
	completer, err := openai.NewRetrier(openaiClient, openai.WithMaxAttempts(maxRetryAttempts))
	if err != nil {
		logger.Error("failed to create completion retrier", "err", err)
		os.Exit(1)
	}
	gateway, err := telegram.NewClient(ssmClient, paramPrefix)
	if err != nil {
		logger.Error("failed to create Telegram client", "err", err)
		os.Exit(1)
	}

	// ---- Components ----
	ledger, err := budget.New(stateClient, int64(dailyTokenCap), int64(monthlyTokenCap))
	if err != nil {
		logger.Error("failed to create budget ledger", "err", err)
		os.Exit(1)
	}
	trigger := usecase.ThresholdTrigger(compressThreshold)
	if compressProbability > 0 {
		trigger = usecase.ProbabilisticTrigger(compressProbability, rand.Float64)
	}
	compressor, err := usecase.NewCompressor(stateClient, completer, trigger)
	if err != nil {
		logger.Error("failed to create compressor", "err", err)
		os.Exit(1)
	}
	session, err := usecase.NewSessionService(
		ledger, stateClient, compressor, completer, gateway,
		ssmClient, paramPrefix, contextMessages, maxTokensPerReply, logger,
	)
	if err != nil {
		logger.Error("failed to create session service", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(session, logger)
	if err != nil {
		logger.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
