package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/secplat/posture-pipeline/internal/domain/entity"
	"github.com/secplat/posture-pipeline/pkg/pipeline"
)

var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrUnexpectedStatus = errors.New("unexpected status code")
	ErrMissingToken     = errors.New("login response without access token")
)

type Config struct {
	URL      string
	Username string
	Password string
	Timeout  time.Duration
}

type IncidentRequest struct {
	Title     string          `json:"title"`
	Severity  entity.Severity `json:"severity"`
	AssetKeys []string        `json:"asset_keys"`
}

type incidentResponse struct {
	ID        int64                 `json:"id"`
	Title     string                `json:"title"`
	Severity  entity.Severity       `json:"severity"`
	Status    entity.IncidentStatus `json:"status"`
	AssetKeys []string              `json:"asset_keys"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
}

// Client talks to the incident API. It logs in lazily and keeps the token in a TokenCache.
type Client struct {
	logger *logr.Logger

	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	tokens     *TokenCache
}

func NewClient(config Config, tokens *TokenCache) Client {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return Client{
		baseURL:  strings.TrimRight(config.URL, "/"),
		username: config.Username,
		password: config.Password,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		tokens: tokens,
	}
}

func (c Client) WithLogger(logger logr.Logger) Client {
	c.logger = &logger

	return c
}

// CreateIncident posts a new incident. A rejected token is refreshed once.
func (c Client) CreateIncident(ctx context.Context, req IncidentRequest) (entity.Incident, error) {
	if req.AssetKeys == nil {
		req.AssetKeys = []string{}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return entity.Incident{}, pipeline.NewErrMalformedInput(fmt.Errorf("failed to marshal incident: %w", err))
	}

	var resp incidentResponse

	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.token(ctx)
		if err != nil {
			return entity.Incident{}, err
		}

		err = c.postJSON(ctx, "/incidents", body, token, &resp)
		if errors.Is(err, ErrUnauthorized) && attempt == 0 {
			c.logInfo(1, "Token rejected, logging in again")
			c.tokens.Invalidate()

			continue
		}

		if err != nil {
			return entity.Incident{}, fmt.Errorf("failed to create incident: %w", err)
		}

		break
	}

	c.logInfo(2, "Created incident", "id", resp.ID, "title", resp.Title)

	return entity.Incident{
		ID:        resp.ID,
		Title:     resp.Title,
		Severity:  resp.Severity,
		Status:    resp.Status,
		AssetKeys: resp.AssetKeys,
	}, nil
}

func (c Client) token(ctx context.Context) (string, error) {
	token, ok := c.tokens.Get()
	if ok {
		return token, nil
	}

	token, err := c.login(ctx)
	if err != nil {
		return "", err
	}

	c.tokens.Set(token)

	return token, nil
}

func (c Client) login(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("username", c.username)
	form.Set("password", c.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/login", strings.NewReader(form.Encode()))
	if err != nil {
		return "", pipeline.NewErrFatalError(fmt.Errorf("failed to create login request: %w", err))
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var resp loginResponse

	err = c.do(req, &resp)
	if errors.Is(err, ErrUnauthorized) {
		// Wrong credentials do not heal by retrying
		return "", pipeline.NewErrFatalError(fmt.Errorf("login as %s failed: %w", c.username, err))
	}

	if err != nil {
		return "", fmt.Errorf("login failed: %w", err)
	}

	if resp.AccessToken == "" {
		return "", pipeline.NewErrRetryableError(ErrMissingToken)
	}

	c.logInfo(1, "Logged in", "username", c.username)

	return resp.AccessToken, nil
}

func (c Client) postJSON(ctx context.Context, path string, body []byte, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return pipeline.NewErrFatalError(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	return c.do(req, out)
}

// do classifies failures: transport errors, 429 and 5xx are retryable, other 4xx malformed.
func (c Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return req.Context().Err()
		}

		return pipeline.NewErrRetryableError(fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return pipeline.NewErrRetryableError(fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return pipeline.NewErrMalformedInput(fmt.Errorf("%w: %d %s", ErrUnexpectedStatus, resp.StatusCode, strings.TrimSpace(string(detail))))
	}

	if out == nil {
		return nil
	}

	err = json.NewDecoder(resp.Body).Decode(out)
	if err != nil {
		return pipeline.NewErrRetryableError(fmt.Errorf("failed to decode response: %w", err))
	}

	return nil
}

func (c Client) logInfo(level int, msg string, keysAndValues ...any) {
	if c.logger == nil {
		return
	}

	c.logger.V(level).Info(msg, keysAndValues...)
}
