package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/docavailable/webrtc-signaling/internal/models"
)

// Error is a typed backend failure carrying the HTTP status when one was
// received. Transport failures (timeout, refused connection) have Status 0.
type Error struct {
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("backend: %s (status %d)", e.Message, e.Status)
	}
	return fmt.Sprintf("backend: %s", e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// APIResponse is the envelope every backend endpoint returns.
type APIResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Client is the single chokepoint for calls to the external backend API.
// Bearer auth, timeouts and error translation are defined here once.
type Client struct {
	baseURL      string
	defaultToken string
	http         *http.Client
	log          zerolog.Logger
}

func New(baseURL, defaultToken string, timeout time.Duration, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:      baseURL,
		defaultToken: defaultToken,
		http:         &http.Client{Timeout: timeout},
		log:          log,
	}
}

// Do performs one backend request. A non-2xx status or a success:false body
// is returned as a *Error; the connection-handling path never sees a panic
// or an untyped failure from here.
func (c *Client) Do(ctx context.Context, method, path string, body any, authToken string) (*APIResponse, error) {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, &Error{Message: "encode request", Err: err}
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, &Error{Message: "build request", Err: err}
	}
	token := authToken
	if token == "" {
		token = c.defaultToken
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("path", path).Msg("backend request failed")
		return nil, &Error{Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	var api APIResponse
	if decErr := json.NewDecoder(resp.Body).Decode(&api); decErr != nil && resp.StatusCode < 300 {
		return nil, &Error{Status: resp.StatusCode, Message: "invalid response body", Err: decErr}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := api.Message
		if msg == "" {
			msg = resp.Status
		}
		return nil, &Error{Status: resp.StatusCode, Message: msg}
	}
	if !api.Success {
		msg := api.Message
		if msg == "" {
			msg = "backend reported failure"
		}
		return nil, &Error{Status: resp.StatusCode, Message: msg}
	}
	return &api, nil
}

// PersistChatMessage creates a chat message in the backend and returns the
// canonical record, including its assigned id and timestamp.
func (c *Client) PersistChatMessage(ctx context.Context, sessionKey string, payload map[string]any, authToken string) (json.RawMessage, error) {
	api, err := c.Do(ctx, http.MethodPost, "/api/chat/"+sessionKey+"/messages", payload, authToken)
	if err != nil {
		return nil, err
	}
	return api.Data, nil
}

// SessionStatus queries the canonical status for a session key, branching on
// the instant-session prefix.
func (c *Client) SessionStatus(ctx context.Context, sessionKey, authToken string) (json.RawMessage, error) {
	path := "/api/appointments/" + sessionKey + "/status"
	if models.IsTextSession(sessionKey) {
		path = "/api/text-sessions/" + models.TextSessionID(sessionKey) + "/check-response"
	}
	api, err := c.Do(ctx, http.MethodGet, path, nil, authToken)
	if err != nil {
		return nil, err
	}
	return api.Data, nil
}

// StartAppointment marks a scheduled appointment as started.
func (c *Client) StartAppointment(ctx context.Context, appointmentID, authToken string) (json.RawMessage, error) {
	body := map[string]any{"started_at": time.Now().UTC().Format(time.RFC3339)}
	api, err := c.Do(ctx, http.MethodPost, "/api/appointments/"+appointmentID+"/start", body, authToken)
	if err != nil {
		return nil, err
	}
	return api.Data, nil
}

// EndSession asks the backend to end a session with a reason. The backend
// owns the billing and timer consequences; this server only relays.
func (c *Client) EndSession(ctx context.Context, sessionKey, reason, authToken string) (json.RawMessage, error) {
	api, err := c.Do(ctx, http.MethodPost, "/api/chat/"+sessionKey+"/end", map[string]any{"reason": reason}, authToken)
	if err != nil {
		return nil, err
	}
	return api.Data, nil
}
