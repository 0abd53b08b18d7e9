package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getfleetd/fleetd/pkg/config"
	"github.com/getfleetd/fleetd/pkg/health"
	"github.com/getfleetd/fleetd/pkg/policy"
	"github.com/getfleetd/fleetd/pkg/registry"
	"github.com/getfleetd/fleetd/pkg/supervisor"
	"github.com/getfleetd/fleetd/pkg/transport"
)

const testAPIKey = "fd_test_0123456789abcdef"

// echoTransport answers every invoke with its own payload.
type echoTransport struct{}

func (echoTransport) Invoke(_ context.Context, _ string, p json.RawMessage) (json.RawMessage, error) {
	if len(p) == 0 {
		p = json.RawMessage(`{}`)
	}
	return p, nil
}
func (echoTransport) IsReady(context.Context) bool { return true }
func (echoTransport) Close() error                 { return nil }

// noopProc satisfies supervisor.Process without a real child.
type noopProc struct {
	pid    int
	done   chan supervisor.ExitResult
	exited atomic.Bool
}

func (p *noopProc) PID() int                           { return p.pid }
func (p *noopProc) Done() <-chan supervisor.ExitResult { return p.done }
func (p *noopProc) Stdin() io.WriteCloser              { return nil }
func (p *noopProc) Stdout() io.Reader                  { return nil }
func (p *noopProc) Kill() error                        { return p.Terminate() }

func (p *noopProc) Terminate() error {
	if p.exited.CompareAndSwap(false, true) {
		p.done <- supervisor.ExitResult{}
	}
	return nil
}

type noopLauncher struct{ pids atomic.Int32 }

func (l *noopLauncher) Launch(context.Context, supervisor.LaunchSpec) (supervisor.Process, error) {
	return &noopProc{
		pid:  int(l.pids.Add(1)) + 2000,
		done: make(chan supervisor.ExitResult, 1),
	}, nil
}

type apiFixture struct {
	api *AdminAPI
	srv *httptest.Server
	reg *registry.Registry
	sup *supervisor.Supervisor
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	reg := registry.New(t.TempDir())
	require.NoError(t, reg.Open(context.Background()))
	t.Cleanup(func() { reg.Close() })

	sup := supervisor.New(reg,
		supervisor.WithLauncher(&noopLauncher{}),
		supervisor.WithTransportFactory(func(context.Context, *config.ServerDefinition, transport.Options) (transport.Transport, error) {
			return echoTransport{}, nil
		}),
	)
	t.Cleanup(func() { sup.Shutdown(context.Background()) })
	reg.SetDeleteHook(func(ctx context.Context, id string) error {
		return sup.Remove(ctx, id)
	})

	eng := policy.NewEngine(policy.NewAuthenticator(policy.AuthConfig{APIKeys: []string{"caller-secret"}}))
	mon := health.New(sup, reg)

	api, err := NewAdminAPI(0,
		WithRegistry(reg),
		WithSupervisor(sup),
		WithPolicyEngine(eng),
		WithHealthMonitor(mon),
		WithAPIKeyConfig(APIKeyConfig{Enabled: true, Key: testAPIKey}),
		WithVersion("1.2.3-test"),
	)
	require.NoError(t, err)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &apiFixture{api: api, srv: srv, reg: reg, sup: sup}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, headers ...string) *http.Response {
	t.Helper()
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, payload)
	require.NoError(t, err)
	req.Header.Set(APIKeyHeader, testAPIKey)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func validDefinition(name string) map[string]any {
	return map[string]any{
		"name":     name,
		"type":     "process",
		"protocol": "stdio",
		"command":  "sh",
	}
}

func (f *apiFixture) create(t *testing.T, def map[string]any) string {
	t.Helper()
	resp := f.do(t, "POST", "/servers", def)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decodeBody(t, resp)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)
	return id
}

// startAndWait starts the instance and waits until it reports running, since
// readiness is confirmed asynchronously after the start is accepted.
func (f *apiFixture) startAndWait(t *testing.T, id string) {
	t.Helper()
	resp := f.do(t, "POST", "/servers/"+id+"/start", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Eventually(t, func() bool {
		resp := f.do(t, "GET", "/servers/"+id+"/status", nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var out map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return false
		}
		return out["state"] == "running"
	}, 3*time.Second, 10*time.Millisecond, "instance never reported running")
}

func TestCreateAndGetServer(t *testing.T) {
	f := newAPIFixture(t)
	def := validDefinition("search-index")
	def["environment"] = map[string]any{
		"API_TOKEN": map[string]any{"value": "hunter2", "encrypted": true},
		"REGION":    map[string]any{"value": "eu-1"},
	}
	id := f.create(t, def)

	resp := f.do(t, "GET", "/servers/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "search-index", body["name"])

	env := body["environment"].(map[string]any)
	token := env["API_TOKEN"].(map[string]any)
	assert.Equal(t, "********", token["value"], "encrypted values must be masked")
	region := env["REGION"].(map[string]any)
	assert.Equal(t, "eu-1", region["value"])
}

func TestCreateValidationErrors(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.do(t, "POST", "/servers", map[string]any{
		"name":     "",
		"type":     "bogus",
		"protocol": "http",
		// http protocol with no port and no command
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	body := decodeBody(t, resp)
	details := body["details"].([]any)
	assert.GreaterOrEqual(t, len(details), 3, "all violations must be reported: %v", details)
}

func TestCreateDuplicateName(t *testing.T) {
	f := newAPIFixture(t)
	f.create(t, validDefinition("twin"))
	resp := f.do(t, "POST", "/servers", validDefinition("Twin"))
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "name uniqueness is case-insensitive")
}

func TestUpdateBumpsVersion(t *testing.T) {
	f := newAPIFixture(t)
	id := f.create(t, validDefinition("versioned"))

	def := validDefinition("versioned")
	def["args"] = []string{"-c", "sleep 1000"}
	resp := f.do(t, "PUT", "/servers/"+id, def)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(2), body["version"])
}

func TestGetUnknownServer(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.do(t, "GET", "/servers/01BX5ZZKBKACTAV9WEVGEMMVS0", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	id := f.create(t, validDefinition("cycled"))

	f.startAndWait(t, id)

	resp := f.do(t, "GET", "/servers/"+id+"/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decodeBody(t, resp)
	assert.Equal(t, "running", status["state"])
	assert.NotZero(t, status["pid"])

	resp = f.do(t, "POST", "/servers/"+id+"/restart", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = f.do(t, "POST", "/servers/"+id+"/stop", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = f.do(t, "GET", "/servers/"+id+"/status", nil)
	assert.Equal(t, "stopped", decodeBody(t, resp)["state"])
}

func TestStopGraceParameter(t *testing.T) {
	f := newAPIFixture(t)
	id := f.create(t, validDefinition("gracious"))

	resp := f.do(t, "POST", "/servers/"+id+"/start", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = f.do(t, "POST", "/servers/"+id+"/stop?graceSeconds=3", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "stopped", decodeBody(t, resp)["desiredState"])

	for _, bad := range []string{"abc", "-1", "1.5"} {
		resp = f.do(t, "POST", "/servers/"+id+"/stop?graceSeconds="+bad, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "graceSeconds=%s", bad)
	}
}

func TestStartDisabled(t *testing.T) {
	f := newAPIFixture(t)
	def := validDefinition("off")
	def["disabled"] = true
	id := f.create(t, def)

	resp := f.do(t, "POST", "/servers/"+id+"/start", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestLifecycleUnknownServer(t *testing.T) {
	f := newAPIFixture(t)
	for _, action := range []string{"start", "stop", "restart"} {
		resp := f.do(t, "POST", "/servers/01BX5ZZKBKACTAV9WEVGEMMVS0/"+action, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, action)
	}
}

func TestDeleteStopsRunningInstance(t *testing.T) {
	f := newAPIFixture(t)
	id := f.create(t, validDefinition("doomed"))

	resp := f.do(t, "POST", "/servers/"+id+"/start", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = f.do(t, "DELETE", "/servers/"+id, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, "GET", "/servers/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = f.do(t, "GET", "/servers/"+id+"/status", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerHealthHistory(t *testing.T) {
	f := newAPIFixture(t)
	id := f.create(t, validDefinition("healthy"))

	resp := f.do(t, "GET", "/servers/"+id+"/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), decodeBody(t, resp)["count"])
}

func TestPolicySnapshotAndReset(t *testing.T) {
	f := newAPIFixture(t)
	def := validDefinition("budgeted")
	def["security"] = map[string]any{"tokenBudget": 100}
	id := f.create(t, def)

	f.startAndWait(t, id)

	resp := f.do(t, "POST", "/servers/"+id+"/invoke/query", map[string]any{"q": 1}, TokenCostHeader, "40")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, "GET", "/servers/"+id+"/policy", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decodeBody(t, resp)
	assert.Equal(t, float64(60), snap["remainingBudget"])

	resp = f.do(t, "POST", "/servers/"+id+"/policy/reset", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(100), decodeBody(t, resp)["remainingBudget"])
}

func TestInvokeEcho(t *testing.T) {
	f := newAPIFixture(t)
	id := f.create(t, validDefinition("echoer"))
	f.startAndWait(t, id)

	resp := f.do(t, "POST", "/servers/"+id+"/invoke/read_file", map[string]any{"path": "/etc/motd"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	result := body["result"].(map[string]any)
	assert.Equal(t, "/etc/motd", result["path"])
}

func TestInvokeNotRunning(t *testing.T) {
	f := newAPIFixture(t)
	id := f.create(t, validDefinition("idle"))

	resp := f.do(t, "POST", "/servers/"+id+"/invoke/anything", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestInvokeBlockedCommand(t *testing.T) {
	f := newAPIFixture(t)
	def := validDefinition("guarded")
	def["security"] = map[string]any{"blockedCommands": []string{"rm*", "drop_*"}}
	id := f.create(t, def)
	f.startAndWait(t, id)

	resp := f.do(t, "POST", "/servers/"+id+"/invoke/drop_table", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, "POST", "/servers/"+id+"/invoke/read", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestInvokeBudgetExhausted(t *testing.T) {
	f := newAPIFixture(t)
	def := validDefinition("spent")
	def["security"] = map[string]any{"tokenBudget": 50}
	id := f.create(t, def)
	f.startAndWait(t, id)

	resp := f.do(t, "POST", "/servers/"+id+"/invoke/op", nil, TokenCostHeader, "50")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, "POST", "/servers/"+id+"/invoke/op", nil, TokenCostHeader, "1")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestInvokeRequiresCallerAuth(t *testing.T) {
	f := newAPIFixture(t)
	def := validDefinition("locked")
	def["security"] = map[string]any{"requireAuth": true}
	id := f.create(t, def)
	f.startAndWait(t, id)

	resp := f.do(t, "POST", "/servers/"+id+"/invoke/op", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, "POST", "/servers/"+id+"/invoke/op", nil, "X-Caller-Key", "caller-secret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdminAuthRequired(t *testing.T) {
	f := newAPIFixture(t)

	req, err := http.NewRequest("GET", f.srv.URL+"/servers", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// /health stays reachable without a key.
	resp2, err := http.Get(f.srv.URL + "/health")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestVersionEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.do(t, "GET", "/version", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1.2.3-test", decodeBody(t, resp)["version"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	id := f.create(t, validDefinition("measured"))
	f.startAndWait(t, id)
	f.do(t, "POST", "/servers/"+id+"/invoke/op", nil)

	resp := f.do(t, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "fleetd_instance_state")
	assert.Contains(t, string(data), "fleetd_admin_requests_total")
}

func TestRateLimiting(t *testing.T) {
	f := newAPIFixture(t)
	// Rebuild with a tiny limiter.
	api, err := NewAdminAPI(0,
		WithRegistry(f.reg),
		WithSupervisor(f.sup),
		WithPolicyEngine(policy.NewEngine(policy.NewAuthenticator(policy.AuthConfig{}))),
		WithHealthMonitor(health.New(f.sup, f.reg)),
		WithAPIKeyConfig(APIKeyConfig{Enabled: true, Key: testAPIKey}),
		WithRateLimiter(NewRateLimiter(1, 3)),
	)
	require.NoError(t, err)
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	limited := false
	for i := 0; i < 10; i++ {
		req, _ := http.NewRequest("GET", srv.URL+"/servers", nil)
		req.Header.Set(APIKeyHeader, testAPIKey)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	assert.True(t, limited, "burst of requests was never limited")
}
