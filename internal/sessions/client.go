package sessions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/the3tree/3tree-sub003/internal/callerr"
	"github.com/the3tree/3tree-sub003/internal/models"
)

// Client calls the session HTTP API on behalf of one participant.
type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

// NewClient creates a client for the server at baseURL. A nil httpClient uses a 15s timeout client.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// SetToken sets the bearer token sent with every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// APIError is a failed response that carries no known error code.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if resp.StatusCode >= 300 {
			return &APIError{Status: resp.StatusCode, Message: resp.Status}
		}
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	if resp.StatusCode >= 300 || !env.Success {
		if e := callerr.FromCode(callerr.Code(env.Code), env.Error); e != nil {
			return e
		}
		return &APIError{Status: resp.StatusCode, Message: env.Error}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%s %s: decode data: %w", method, path, err)
		}
	}
	return nil
}

// Login exchanges credentials for a token, stores it on the client and returns the user.
func (c *Client) Login(ctx context.Context, email, password string) (*models.UserPublic, error) {
	var out struct {
		Token string            `json:"token"`
		User  models.UserPublic `json:"user"`
	}
	in := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/auth/login", in, &out); err != nil {
		return nil, err
	}
	c.SetToken(out.Token)
	return &out.User, nil
}

// CreateOrResumeSession returns the booking's open session, creating it if needed.
func (c *Client) CreateOrResumeSession(ctx context.Context, bookingID string) (*models.VideoSession, error) {
	id, err := uuid.Parse(bookingID)
	if err != nil {
		return nil, callerr.WithMsg(callerr.ErrBookingNotFound, "invalid booking id")
	}
	var s models.VideoSession
	if err := c.do(ctx, http.MethodPost, "/bookings/"+id.String()+"/session", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSession fetches a session.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*models.VideoSession, error) {
	var s models.VideoSession
	if err := c.do(ctx, http.MethodGet, "/sessions/"+sessionID, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// MarkActive reports the first successful connection of a session.
func (c *Client) MarkActive(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/sessions/"+sessionID+"/activate", nil, nil)
}

// EndSession ends a session for both participants.
func (c *Client) EndSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/sessions/"+sessionID+"/end", nil, nil)
}

// Presence lists the participants connected to the session's room.
func (c *Client) Presence(ctx context.Context, sessionID string) (*PresenceResponse, error) {
	var p PresenceResponse
	if err := c.do(ctx, http.MethodGet, "/sessions/"+sessionID+"/presence", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ICEServers fetches the session's ICE servers, including TURN credentials when configured.
func (c *Client) ICEServers(ctx context.Context, sessionID string) ([]webrtc.ICEServer, error) {
	var out struct {
		ICEServers []ICEServer `json:"ice_servers"`
	}
	if err := c.do(ctx, http.MethodGet, "/sessions/"+sessionID+"/ice-servers", nil, &out); err != nil {
		return nil, err
	}
	servers := make([]webrtc.ICEServer, 0, len(out.ICEServers))
	for _, s := range out.ICEServers {
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
			srv.CredentialType = webrtc.ICECredentialTypePassword
		}
		servers = append(servers, srv)
	}
	return servers, nil
}
