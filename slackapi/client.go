// Package slackapi adapts slack-go to the Web API methods the relay needs:
// apps.connections.open, users.info, chat.postMessage and conversations.list.
package slackapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"golang.org/x/time/rate"

	"github.com/c360/chatrelay/errors"
	"github.com/c360/chatrelay/message"
)

// DefaultBaseURL is the Slack Web API root.
const DefaultBaseURL = "https://slack.com/api"

// Config holds client settings.
type Config struct {
	BaseURL  string
	AppToken string // xapp- token, used only for apps.connections.open
	BotToken string // xoxb- token for everything else
	Timeout  time.Duration
	// RequestsPerSecond caps outbound calls; zero disables the limiter.
	RequestsPerSecond float64
}

// Client calls the Slack Web API through slack-go.
type Client struct {
	api      *slack.Client
	appToken string
	botToken string
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewClient creates a client. A nil logger uses slog.Default.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	c := &Client{
		api: slack.New(cfg.BotToken,
			slack.OptionAppLevelToken(cfg.AppToken),
			slack.OptionAPIURL(base+"/"),
			slack.OptionHTTPClient(&http.Client{Timeout: timeout}),
		),
		appToken: cfg.AppToken,
		botToken: cfg.BotToken,
		logger:   logger.With("component", "slackapi"),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := max(int(cfg.RequestsPerSecond), 1)
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c
}

// APIError is an ok=false response from a Web API method.
type APIError struct {
	Method string
	Code   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("slack %s: %s", e.Method, e.Code)
}

// Unwrap maps well-known codes onto the relay's sentinel errors.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case "missing_scope", "not_allowed_token_type":
		return errors.ErrMissingPermission
	case "user_not_found", "users_not_found", "channel_not_found":
		return errors.ErrProfileNotFound
	case "ratelimited":
		return errors.ErrRateLimited
	case "invalid_auth", "not_authed", "account_inactive", "token_revoked":
		return errors.ErrInvalidConfig
	default:
		return errors.ErrPlatformRejected
	}
}

// begin checks the token and waits for the limiter.
func (c *Client) begin(ctx context.Context, method, token string) error {
	if token == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "slackapi", method, "token not configured")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return errors.WrapTransient(err, "slackapi", method, "wait for rate limiter")
		}
	}
	return nil
}

// translate turns slack-go errors into classified relay errors. Platform
// codes come back as *APIError so callers can report them verbatim.
func (c *Client) translate(method string, err error) error {
	if err == nil {
		return nil
	}

	var status slack.StatusCodeError
	hasStatus := errors.As(err, &status)

	var rateLimited *slack.RateLimitedError
	if errors.As(err, &rateLimited) || (hasStatus && status.Code == http.StatusTooManyRequests) {
		c.logger.Warn("Slack rate limited request", "method", method)
		return errors.WrapTransient(&APIError{Method: method, Code: "ratelimited"}, "slackapi", method, "call")
	}

	var apiErr slack.SlackErrorResponse
	if errors.As(err, &apiErr) {
		return &APIError{Method: method, Code: apiErr.Err}
	}

	var syntax *json.SyntaxError
	if errors.As(err, &syntax) || (hasStatus && status.Code < http.StatusInternalServerError) {
		return errors.WrapInvalid(err, "slackapi", method, "call")
	}
	return errors.WrapTransient(err, "slackapi", method, "call")
}

// OpenConnection asks for a fresh single-use Socket Mode URL.
func (c *Client) OpenConnection(ctx context.Context) (string, error) {
	const method = "apps.connections.open"
	if err := c.begin(ctx, method, c.appToken); err != nil {
		return "", err
	}
	_, socketURL, err := c.api.StartSocketModeContext(ctx)
	if err != nil {
		return "", c.translate(method, err)
	}
	if socketURL == "" {
		return "", errors.WrapInvalid(errors.ErrInvalidData, "slackapi", "OpenConnection", "empty socket url")
	}
	return socketURL, nil
}

// UserInfo resolves a user id to a profile. Missing scopes surface as
// errors.ErrMissingPermission and unknown users as errors.ErrProfileNotFound.
func (c *Client) UserInfo(ctx context.Context, userID string) (message.Profile, error) {
	const method = "users.info"
	if err := c.begin(ctx, method, c.botToken); err != nil {
		return message.Profile{}, err
	}
	user, err := c.api.GetUserInfoContext(ctx, userID)
	if err != nil {
		return message.Profile{}, c.translate(method, err)
	}

	realName := user.Profile.RealName
	if realName == "" {
		realName = user.RealName
	}
	if realName == "" {
		realName = user.Name
	}
	return message.Profile{
		UserID:      userID,
		RealName:    realName,
		DisplayName: user.Profile.DisplayName,
		AvatarURL:   user.Profile.Image72,
	}, nil
}

// PostMessage sends text to channel as the bot user and returns the message ts.
func (c *Client) PostMessage(ctx context.Context, channel, text string) (string, error) {
	const method = "chat.postMessage"
	if channel == "" || text == "" {
		return "", errors.WrapInvalid(errors.ErrInvalidData, "slackapi", "PostMessage", "channel and text are required")
	}
	if err := c.begin(ctx, method, c.botToken); err != nil {
		return "", err
	}
	_, ts, err := c.api.PostMessageContext(ctx, channel, slack.MsgOptionText(text, false))
	if err != nil {
		return "", c.translate(method, err)
	}
	return ts, nil
}

// Channel is a public conversation.
type Channel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ListChannels returns all non-archived public channels, following cursors.
func (c *Client) ListChannels(ctx context.Context) ([]Channel, error) {
	const method = "conversations.list"
	var channels []Channel
	params := &slack.GetConversationsParameters{
		Types:           []string{"public_channel"},
		ExcludeArchived: true,
		Limit:           200,
	}
	for {
		if err := c.begin(ctx, method, c.botToken); err != nil {
			return nil, err
		}
		page, next, err := c.api.GetConversationsContext(ctx, params)
		if err != nil {
			return nil, c.translate(method, err)
		}
		for _, ch := range page {
			channels = append(channels, Channel{ID: ch.ID, Name: ch.Name})
		}
		if next == "" {
			return channels, nil
		}
		params.Cursor = next
	}
}
