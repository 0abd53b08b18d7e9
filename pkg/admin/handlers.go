package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/getfleetd/fleetd/pkg/config"
	"github.com/getfleetd/fleetd/pkg/httputil"
	"github.com/getfleetd/fleetd/pkg/metrics"
	"github.com/getfleetd/fleetd/pkg/policy"
)

// maxBodySize bounds definition and invoke payloads (10MB).
const maxBodySize = 10 * 1024 * 1024

// TokenCostHeader declares an invoke call's token cost. Absent means cost 1.
const TokenCostHeader = "X-Token-Cost"

func (a *AdminAPI) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /version", a.handleVersion)
	mux.Handle("GET /metrics", a.metricsRegistry.Handler())

	mux.HandleFunc("GET /servers", a.handleListServers)
	mux.HandleFunc("POST /servers", a.handleCreateServer)
	mux.HandleFunc("GET /servers/{id}", a.handleGetServer)
	mux.HandleFunc("PUT /servers/{id}", a.handleUpdateServer)
	mux.HandleFunc("DELETE /servers/{id}", a.handleDeleteServer)

	mux.HandleFunc("POST /servers/{id}/start", a.handleStartServer)
	mux.HandleFunc("POST /servers/{id}/stop", a.handleStopServer)
	mux.HandleFunc("POST /servers/{id}/restart", a.handleRestartServer)

	mux.HandleFunc("GET /servers/{id}/status", a.handleServerStatus)
	mux.HandleFunc("GET /servers/{id}/health", a.handleServerHealth)
	mux.HandleFunc("GET /servers/{id}/policy", a.handleServerPolicy)
	mux.HandleFunc("POST /servers/{id}/policy/reset", a.handlePolicyReset)

	mux.HandleFunc("POST /servers/{id}/invoke/{op}", a.handleInvoke)
}

func (a *AdminAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteOK(w, map[string]any{
		"status": "ok",
		"uptime": time.Since(a.startTime).Round(time.Second).String(),
	})
}

func (a *AdminAPI) handleVersion(w http.ResponseWriter, r *http.Request) {
	httputil.WriteOK(w, map[string]string{
		"version": a.version,
		"go":      runtime.Version(),
	})
}

// Definitions are always redacted on the way out; secrets never leave the
// registry through this surface.

func (a *AdminAPI) handleListServers(w http.ResponseWriter, r *http.Request) {
	defs := a.registry.List()
	out := make([]*config.ServerDefinition, len(defs))
	for i, def := range defs {
		out[i] = def.Redacted()
	}
	httputil.WriteOK(w, map[string]any{"servers": out, "count": len(out)})
}

func (a *AdminAPI) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	def, ok := decodeDefinition(w, r)
	if !ok {
		return
	}
	stored, err := a.registry.Create(def)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.WriteCreated(w, stored.Redacted())
}

func (a *AdminAPI) handleGetServer(w http.ResponseWriter, r *http.Request) {
	def, err := a.registry.Get(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.WriteOK(w, def.Redacted())
}

func (a *AdminAPI) handleUpdateServer(w http.ResponseWriter, r *http.Request) {
	def, ok := decodeDefinition(w, r)
	if !ok {
		return
	}
	stored, err := a.registry.Update(r.PathValue("id"), def)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if a.policy != nil {
		a.policy.Invalidate(stored)
	}
	httputil.WriteOK(w, stored.Redacted())
}

func (a *AdminAPI) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.registry.Delete(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	if a.policy != nil {
		a.policy.Forget(id)
	}
	httputil.WriteNoContent(w)
}

func (a *AdminAPI) handleStartServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.sup.Start(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.WriteAccepted(w, map[string]string{"id": id, "desiredState": "running"})
}

func (a *AdminAPI) handleStopServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.registry.Get(id); err != nil {
		writeDomainError(w, err)
		return
	}
	grace, err := graceParam(r)
	if err != nil {
		httputil.WriteBadRequest(w, "bad_request", err.Error())
		return
	}
	if err := a.sup.Stop(r.Context(), id, grace); err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.WriteAccepted(w, map[string]string{"id": id, "desiredState": "stopped"})
}

// graceParam reads the optional graceSeconds query parameter. Zero means the
// supervisor's default grace period.
func graceParam(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get("graceSeconds")
	if raw == "" {
		return 0, nil
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return 0, fmt.Errorf("invalid graceSeconds %q", raw)
	}
	return time.Duration(secs) * time.Second, nil
}

func (a *AdminAPI) handleRestartServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.sup.Restart(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.WriteAccepted(w, map[string]string{"id": id, "desiredState": "running"})
}

func (a *AdminAPI) handleServerStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := a.sup.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.WriteOK(w, snap)
}

func (a *AdminAPI) handleServerHealth(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.registry.Get(id); err != nil {
		writeDomainError(w, err)
		return
	}
	records := a.monitor.History(id)
	httputil.WriteOK(w, map[string]any{"records": records, "count": len(records)})
}

func (a *AdminAPI) handleServerPolicy(w http.ResponseWriter, r *http.Request) {
	def, err := a.registry.Get(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.WriteOK(w, a.policy.Snapshot(def))
}

func (a *AdminAPI) handlePolicyReset(w http.ResponseWriter, r *http.Request) {
	def, err := a.registry.Get(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	a.policy.ResetBudget(def)
	httputil.WriteOK(w, a.policy.Snapshot(def))
}

// handleInvoke is the application request path: policy gate, then the
// instance's transport.
func (a *AdminAPI) handleInvoke(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	op := r.PathValue("op")

	def, err := a.registry.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		httputil.WriteBadRequest(w, "bad_request", "could not read request body")
		return
	}
	if len(payload) > 0 && !json.Valid(payload) {
		httputil.WriteBadRequest(w, "bad_request", "payload must be JSON")
		return
	}

	cost := 1
	if h := r.Header.Get(TokenCostHeader); h != "" {
		parsed, err := strconv.Atoi(h)
		if err != nil || parsed < 0 {
			httputil.WriteBadRequest(w, "bad_request", "invalid "+TokenCostHeader+" header")
			return
		}
		cost = parsed
	}

	release, err := a.policy.Authorize(def, policy.Call{
		Operation:  op,
		Cost:       cost,
		Credential: callerCredential(r),
	})
	if err != nil {
		if metrics.PolicyRejectionsTotal != nil {
			metrics.PolicyRejectionsTotal.Inc(id, rejectionReason(err))
		}
		writeDomainError(w, err)
		return
	}
	defer release()

	tr, err := a.sup.Transport(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	result, err := tr.Invoke(r.Context(), op, payload)
	if metrics.InvokesTotal != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		metrics.InvokesTotal.Inc(id, status)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	httputil.WriteOK(w, map[string]any{"result": json.RawMessage(result)})
}

// callerCredential extracts the per-call credential the policy engine
// verifies. This is the managed server's caller credential, distinct from
// the admin API key.
func callerCredential(r *http.Request) string {
	if bearer := r.Header.Get("Authorization"); strings.HasPrefix(bearer, "Bearer ") {
		return strings.TrimPrefix(bearer, "Bearer ")
	}
	return r.Header.Get("X-Caller-Key")
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, policy.ErrAuthFailure):
		return "auth"
	case errors.Is(err, policy.ErrTokenBudgetExceeded):
		return "budget"
	case errors.Is(err, policy.ErrRateLimitExceeded):
		return "rate"
	case errors.Is(err, policy.ErrPolicyViolation):
		return "blocked"
	default:
		return "other"
	}
}

func decodeDefinition(w http.ResponseWriter, r *http.Request) (*config.ServerDefinition, bool) {
	var def config.ServerDefinition
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		httputil.WriteBadRequest(w, "bad_request", "invalid definition JSON: "+err.Error())
		return nil, false
	}
	return &def, true
}
