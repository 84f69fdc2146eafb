// Package handler is the Lambda webhook entrypoint. It is a thin transport
// wrapper: decode the Telegram update, hand it to the session service, and
// acknowledge with 200 no matter what happened internally so the platform
// never redelivers.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"telegram-concierge/internal/integrations/telegram"
	"telegram-concierge/internal/usecase"
)

// Session is the orchestration surface the handler needs.
type Session interface {
	HandleMessage(ctx context.Context, in usecase.Input) (usecase.Result, error)
}

// Handler adapts API Gateway webhook events to the session service.
type Handler struct {
	session Session
	logger  *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(session Session, logger *slog.Logger) (*Handler, error) {
	if session == nil {
		return nil, errors.New("handler: session must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{session: session, logger: logger}, nil
}

// Handle processes one webhook delivery. The response is always 200: bad
// JSON, missing fields, and internal failures are acknowledged so the
// gateway stops retrying; only the body note differs.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := correlationIDFrom(event.Headers)
	log := h.logger.With("correlation_id", correlationID)

	inbound, ok := telegram.ParseUpdate([]byte(event.Body))
	if !ok {
		log.Info("acknowledging non-actionable update", "body_len", len(event.Body))
		return ackResponse(correlationID, `{"ok":true,"note":"ignored"}`), nil
	}

	_, err := h.session.HandleMessage(ctx, usecase.Input{
		ChatID:        inbound.ChatID,
		Text:          inbound.Text,
		UpdateID:      inbound.UpdateID,
		CorrelationID: correlationID,
	})
	if err != nil {
		var uerr *usecase.Error
		if errors.As(err, &uerr) && (uerr.Code == usecase.ErrorBudgetDaily || uerr.Code == usecase.ErrorBudgetMonthly) {
			log.Info("budget denial", "code", string(uerr.Code), "update_id", inbound.UpdateID)
		} else {
			log.Error("session failed", "update_id", inbound.UpdateID, "err", err)
		}
	}

	return ackResponse(correlationID, `{"ok":true}`), nil
}

func ackResponse(correlationID, body string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusOK,
		Headers: map[string]string{
			"Content-Type":     "application/json",
			"X-Correlation-Id": correlationID,
		},
		Body: body,
	}
}

func correlationIDFrom(headers map[string]string) string {
	for k, v := range headers {
		if http.CanonicalHeaderKey(k) == "X-Correlation-Id" && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
