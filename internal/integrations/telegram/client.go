// Package telegram is the messaging-gateway integration: it parses inbound
// Bot API webhook updates and delivers replies via sendMessage. The bot
// token is read from SSM once per process, mirroring the OpenAI client's
// key handling.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Update is the subset of a Telegram webhook update this service consumes.
type Update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text string `json:"text"`
	} `json:"message"`
}

// Inbound is a validated, normalized inbound chat message.
type Inbound struct {
	UpdateID int64
	ChatID   int64
	Text     string
}

// ParseUpdate decodes a raw webhook body into an Inbound message. ok is
// false when the body is not JSON, carries no message, or the text is empty
// after trimming; such updates are acknowledged silently.
func ParseUpdate(raw []byte) (Inbound, bool) {
	var u Update
	if err := json.Unmarshal(raw, &u); err != nil {
		return Inbound{}, false
	}
	if u.Message == nil || u.Message.Chat.ID == 0 {
		return Inbound{}, false
	}
	text := strings.TrimSpace(u.Message.Text)
	if text == "" {
		return Inbound{}, false
	}
	return Inbound{
		UpdateID: u.UpdateID,
		ChatID:   u.Message.Chat.ID,
		Text:     text,
	}, true
}

type sendMessageRequest struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

// tokenPayload is the expected JSON shape stored in SSM for the bot token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client delivers outbound messages through the Telegram Bot API.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string

	tokenOnce sync.Once
	botToken  string
	tokenErr  error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a gateway Client. The bot token is fetched from SSM on
// the first send and cached for the process lifetime.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("telegram: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("telegram: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     "https://api.telegram.org",
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolveBotToken(ctx context.Context) (string, error) {
	c.tokenOnce.Do(func() {
		c.botToken, c.tokenErr = fetchBotToken(ctx, c.getter, c.paramPrefix+"/telegram-token")
	})
	return c.botToken, c.tokenErr
}

// SendMessage posts text to a chat. Failures are reported to the caller for
// logging; the caller never propagates them back to the webhook sender.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	token, err := c.resolveBotToken(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(sendMessageRequest{ChatID: chatID, Text: text})
	if err != nil {
		return fmt.Errorf("telegram: marshal sendMessage: %w", err)
	}

	url := strings.TrimRight(c.baseURL, "/") + "/bot" + token + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return fmt.Errorf("telegram: sendMessage to chat %s: %w", strconv.FormatInt(chatID, 10), err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("telegram: sendMessage status %d: %s", res.StatusCode, string(buf))
	}
	return nil
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func fetchBotToken(ctx context.Context, getter Getter, name string) (string, error) {
	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("telegram: fetch bot token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		// Fall back to a plain-string parameter.
		token := strings.TrimSpace(raw)
		if token == "" {
			return "", errors.New("telegram: bot token is empty")
		}
		return token, nil
	}
	if tp.Token == "" {
		return "", errors.New("telegram: bot token is empty")
	}
	return tp.Token, nil
}
