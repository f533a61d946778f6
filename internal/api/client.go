// Package api is the HTTP client for the storefront's identity provider.
// The endpoint design is owned by the backend; this client only consumes it.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/vishaldhakal/nisimatsuya-client/internal/domain"
)

// defaultErrorMessage is shown when the API's error payload carries nothing
// usable.
const defaultErrorMessage = "Something went wrong. Please try again."

// APIError is a failed call with the best human-readable message that could
// be extracted from the response payload.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

type Client struct {
	baseURL  string
	http     *http.Client
	validate *validator.Validate
	log      *zap.Logger

	// verifyBreaker guards the token-verification endpoint. It is the one
	// high-frequency call; login, signup and refresh are single-shot and
	// fatal on failure, so they go straight through.
	verifyBreaker *gobreaker.CircuitBreaker[bool]
}

func NewClient(baseURL string, httpClient *http.Client, log *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:  baseURL,
		http:     httpClient,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log,
		verifyBreaker: gobreaker.NewCircuitBreaker[bool](gobreaker.Settings{
			Name:    "token-verify",
			Timeout: 30 * time.Second,
		}),
	}
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

func (c *Client) Login(ctx context.Context, email, password string) (*domain.TokenResponse, error) {
	req := loginRequest{Email: email, Password: password}
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid login request: %w", err)
	}

	var tr domain.TokenResponse
	if err := c.post(ctx, "/api/auth/login/", "", req, &tr); err != nil {
		return nil, err
	}
	return &tr, nil
}

func (c *Client) Signup(ctx context.Context, req domain.SignupRequest) (*domain.TokenResponse, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid signup request: %w", err)
	}

	var tr domain.TokenResponse
	if err := c.post(ctx, "/api/auth/signup/", "", req, &tr); err != nil {
		return nil, err
	}
	return &tr, nil
}

func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*domain.TokenResponse, error) {
	body := map[string]string{"refresh_token": refreshToken}

	var tr domain.TokenResponse
	if err := c.post(ctx, "/api/auth/token/refresh/", "", body, &tr); err != nil {
		return nil, err
	}
	return &tr, nil
}

// VerifyToken asks the provider whether the token is still good. The
// breaker keeps a flapping identity provider from being hammered on every
// page-load equivalent.
func (c *Client) VerifyToken(ctx context.Context, tokenString string) (bool, error) {
	return c.verifyBreaker.Execute(func() (bool, error) {
		body := map[string]string{"token": tokenString}

		var out struct {
			Valid bool `json:"valid"`
		}
		if err := c.post(ctx, "/api/auth/token/verify/", "", body, &out); err != nil {
			return false, err
		}
		return out.Valid, nil
	})
}

// Logout tells the provider to drop the session. Callers clear local state
// regardless of this call's outcome.
func (c *Client) Logout(ctx context.Context, accessToken string) error {
	return c.post(ctx, "/api/auth/logout/", accessToken, struct{}{}, nil)
}

func (c *Client) post(ctx context.Context, path, bearer string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response from %s: %w", path, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		msg := extractErrorMessage(body)
		c.log.Debug("api call rejected",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("message", msg))
		return &APIError{Status: resp.StatusCode, Message: msg}
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}

// extractErrorMessage digs a human-readable message out of an error
// payload: a top-level detail field wins, then the first field-level
// validation message, then the generic default.
func extractErrorMessage(body []byte) string {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return defaultErrorMessage
	}

	if detail, ok := payload["detail"].(string); ok && detail != "" {
		return detail
	}

	fields := make([]string, 0, len(payload))
	for field := range payload {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		switch v := payload[field].(type) {
		case string:
			if v != "" {
				return fmt.Sprintf("%s: %s", field, v)
			}
		case []any:
			if len(v) > 0 {
				if s, ok := v[0].(string); ok && s != "" {
					return fmt.Sprintf("%s: %s", field, s)
				}
			}
		}
	}
	return defaultErrorMessage
}
