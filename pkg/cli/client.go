package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/getfleetd/fleetd/pkg/admin"
	"github.com/getfleetd/fleetd/pkg/config"
	"github.com/getfleetd/fleetd/pkg/health"
	"github.com/getfleetd/fleetd/pkg/policy"
	"github.com/getfleetd/fleetd/pkg/supervisor"
)

// AdminClient provides methods for communicating with the fleetd control API.
type AdminClient interface {
	// ListServers returns all registered server definitions.
	ListServers() ([]*config.ServerDefinition, error)
	// GetServer returns a specific definition by ID.
	GetServer(id string) (*config.ServerDefinition, error)
	// CreateServer registers a new definition.
	CreateServer(def *config.ServerDefinition) (*config.ServerDefinition, error)
	// UpdateServer replaces an existing definition by ID.
	UpdateServer(id string, def *config.ServerDefinition) (*config.ServerDefinition, error)
	// DeleteServer removes a definition, stopping its instance first.
	DeleteServer(id string) error
	// StartServer requests the instance be started.
	StartServer(id string) error
	// StopServer requests the instance be stopped. graceSeconds bounds the
	// terminate-to-kill wait; zero uses the daemon's default.
	StopServer(id string, graceSeconds int) error
	// RestartServer requests a stop followed by a start.
	RestartServer(id string) error
	// Status returns the instance snapshot for a definition.
	Status(id string) (*supervisor.Snapshot, error)
	// HealthHistory returns recent probe records for a definition.
	HealthHistory(id string) ([]health.Record, error)
	// Policy returns the current policy counters for a definition.
	Policy(id string) (*policy.Snapshot, error)
	// ResetPolicy refills the token budget for a definition.
	ResetPolicy(id string) (*policy.Snapshot, error)
	// Invoke routes an operation call to a running instance.
	Invoke(id, op string, payload json.RawMessage, cost int) (json.RawMessage, error)
	// Ping checks if the daemon is running.
	Ping() error
	// ServerVersion returns the daemon's version info.
	ServerVersion() (map[string]string, error)
}

// APIError represents an error response from the control API.
type APIError struct {
	StatusCode int
	ErrorCode  string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("control API returned %d", e.StatusCode)
}

// adminClient implements AdminClient using HTTP.
type adminClient struct {
	baseURL    string
	httpClient *http.Client
	apiKey     string
}

// ClientOption configures an admin client.
type ClientOption func(*adminClient)

// WithTimeout sets the HTTP timeout for the client.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *adminClient) {
		c.httpClient.Timeout = timeout
	}
}

// WithAPIKey sets the API key for authentication.
func WithAPIKey(key string) ClientOption {
	return func(c *adminClient) {
		c.apiKey = key
	}
}

// NewAdminClient creates a new control API client.
// The baseURL should be the control API base URL (e.g., "http://127.0.0.1:4790").
func NewAdminClient(baseURL string, opts ...ClientOption) AdminClient {
	c := &adminClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewClientWithAuth creates a control API client that resolves the API key
// from FLEETD_API_KEY or the daemon's key file. This is the way CLI commands
// build their client.
func NewClientWithAuth(baseURL string, opts ...ClientOption) AdminClient {
	if key := resolveAPIKey(); key != "" {
		opts = append([]ClientOption{WithAPIKey(key)}, opts...)
	}
	return NewAdminClient(baseURL, opts...)
}

// resolveAPIKey looks for an API key in the environment first, then in the
// key file the daemon writes on first start.
func resolveAPIKey() string {
	if key := os.Getenv("FLEETD_API_KEY"); key != "" {
		return key
	}
	data, err := os.ReadFile(admin.KeyFilePath(config.DefaultDataDir()))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (c *adminClient) ListServers() ([]*config.ServerDefinition, error) {
	resp, err := c.get("/servers")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var result struct {
		Servers []*config.ServerDefinition `json:"servers"`
		Count   int                        `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return result.Servers, nil
}

func (c *adminClient) GetServer(id string) (*config.ServerDefinition, error) {
	resp, err := c.get("/servers/" + url.PathEscape(id))
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var def config.ServerDefinition
	if err := json.NewDecoder(resp.Body).Decode(&def); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &def, nil
}

func (c *adminClient) CreateServer(def *config.ServerDefinition) (*config.ServerDefinition, error) {
	resp, err := c.post("/servers", def)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		return nil, c.parseError(resp)
	}

	var stored config.ServerDefinition
	if err := json.NewDecoder(resp.Body).Decode(&stored); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &stored, nil
}

func (c *adminClient) UpdateServer(id string, def *config.ServerDefinition) (*config.ServerDefinition, error) {
	resp, err := c.request(http.MethodPut, "/servers/"+url.PathEscape(id), def)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var stored config.ServerDefinition
	if err := json.NewDecoder(resp.Body).Decode(&stored); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &stored, nil
}

func (c *adminClient) DeleteServer(id string) error {
	resp, err := c.request(http.MethodDelete, "/servers/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNoContent {
		return c.parseError(resp)
	}
	return nil
}

func (c *adminClient) StartServer(id string) error {
	return c.lifecycle(id, "start")
}

func (c *adminClient) StopServer(id string, graceSeconds int) error {
	action := "stop"
	if graceSeconds > 0 {
		action += "?graceSeconds=" + strconv.Itoa(graceSeconds)
	}
	return c.lifecycle(id, action)
}

func (c *adminClient) RestartServer(id string) error {
	return c.lifecycle(id, "restart")
}

func (c *adminClient) lifecycle(id, action string) error {
	resp, err := c.post("/servers/"+url.PathEscape(id)+"/"+action, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusAccepted {
		return c.parseError(resp)
	}
	return nil
}

func (c *adminClient) Status(id string) (*supervisor.Snapshot, error) {
	resp, err := c.get("/servers/" + url.PathEscape(id) + "/status")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var snap supervisor.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &snap, nil
}

func (c *adminClient) HealthHistory(id string) ([]health.Record, error) {
	resp, err := c.get("/servers/" + url.PathEscape(id) + "/health")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var result struct {
		Records []health.Record `json:"records"`
		Count   int             `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return result.Records, nil
}

func (c *adminClient) Policy(id string) (*policy.Snapshot, error) {
	resp, err := c.get("/servers/" + url.PathEscape(id) + "/policy")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var snap policy.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &snap, nil
}

func (c *adminClient) ResetPolicy(id string) (*policy.Snapshot, error) {
	resp, err := c.post("/servers/"+url.PathEscape(id)+"/policy/reset", nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var snap policy.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &snap, nil
}

func (c *adminClient) Invoke(id, op string, payload json.RawMessage, cost int) (json.RawMessage, error) {
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	req, err := http.NewRequest(http.MethodPost,
		c.baseURL+"/servers/"+url.PathEscape(id)+"/invoke/"+url.PathEscape(op),
		bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if cost > 0 {
		req.Header.Set(admin.TokenCostHeader, strconv.Itoa(cost))
	}
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.wrapConnErr(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var result struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return result.Result, nil
}

func (c *adminClient) Ping() error {
	resp, err := c.get("/health")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.parseError(resp)
	}
	return nil
}

func (c *adminClient) ServerVersion() (map[string]string, error) {
	resp, err := c.get("/version")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var result map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return result, nil
}

func (c *adminClient) get(path string) (*http.Response, error) {
	return c.request(http.MethodGet, path, nil)
}

func (c *adminClient) post(path string, body any) (*http.Response, error) {
	return c.request(http.MethodPost, path, body)
}

func (c *adminClient) request(method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.wrapConnErr(err)
	}
	return resp, nil
}

func (c *adminClient) setAuth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set(admin.APIKeyHeader, c.apiKey)
	}
}

func (c *adminClient) wrapConnErr(err error) error {
	return fmt.Errorf("cannot reach fleetd at %s (is the daemon running?): %w", c.baseURL, err)
}

func (c *adminClient) parseError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		apiErr.ErrorCode = body.Error
		apiErr.Message = body.Message
	}
	return apiErr
}
