package admin

import (
	"errors"
	"net/http"

	"github.com/getfleetd/fleetd/pkg/config"
	"github.com/getfleetd/fleetd/pkg/httputil"
	"github.com/getfleetd/fleetd/pkg/policy"
	"github.com/getfleetd/fleetd/pkg/registry"
	"github.com/getfleetd/fleetd/pkg/supervisor"
	"github.com/getfleetd/fleetd/pkg/transport"
)

// writeDomainError maps internal errors onto control API status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	var validation config.ValidationErrors
	var preflight *supervisor.PreflightError
	var spawn *supervisor.SpawnError

	switch {
	case errors.As(err, &validation):
		httputil.WriteErrorWithDetails(w, http.StatusUnprocessableEntity,
			"validation_failed", "definition is invalid", validation)
	case errors.As(err, &preflight):
		httputil.WriteErrorWithDetails(w, http.StatusUnprocessableEntity,
			"preflight_failed", "definition cannot be launched", preflight.Reasons)
	case errors.As(err, &spawn):
		httputil.WriteInternalError(w, "spawn_failed", err.Error())

	case errors.Is(err, registry.ErrNotFound), errors.Is(err, supervisor.ErrNotFound):
		httputil.WriteNotFound(w, "not_found", "server not found")
	case errors.Is(err, registry.ErrDuplicateName):
		httputil.WriteConflict(w, "duplicate_name", err.Error())
	case errors.Is(err, supervisor.ErrDisabled):
		httputil.WriteConflict(w, "disabled", "server is disabled")
	case errors.Is(err, supervisor.ErrNotRunning):
		httputil.WriteConflict(w, "not_running", "server is not running")
	case errors.Is(err, supervisor.ErrShuttingDown):
		httputil.WriteServiceUnavailable(w, "shutting_down", "daemon is shutting down")

	case errors.Is(err, policy.ErrAuthFailure):
		httputil.WriteError(w, http.StatusUnauthorized, "auth_failure", err.Error())
	case errors.Is(err, policy.ErrRateLimitExceeded):
		httputil.WriteTooManyRequests(w, "rate_limit_exceeded", err.Error())
	case errors.Is(err, policy.ErrTokenBudgetExceeded):
		httputil.WriteTooManyRequests(w, "token_budget_exceeded", err.Error())
	case errors.Is(err, policy.ErrPolicyViolation):
		httputil.WriteError(w, http.StatusForbidden, "policy_violation", err.Error())

	case errors.Is(err, transport.ErrTimeout):
		httputil.WriteError(w, http.StatusGatewayTimeout, "timeout", err.Error())
	case errors.Is(err, transport.ErrUnavailable):
		httputil.WriteServiceUnavailable(w, "unavailable", err.Error())
	case errors.Is(err, transport.ErrProtocol):
		httputil.WriteError(w, http.StatusBadGateway, "protocol_error", err.Error())

	default:
		httputil.WriteInternalError(w, "internal_error", err.Error())
	}
}
