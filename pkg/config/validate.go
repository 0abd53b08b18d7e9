package config

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ValidationError describes a single invalid field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects every violation found in a definition so callers
// see the full list, not just the first.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.Error()
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// OrNil returns the collected errors as an error, or nil if there are none.
func (e ValidationErrors) OrNil() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

var validTypes = map[ServerType]bool{
	TypeFilesystem: true,
	TypeDatabase:   true,
	TypeHTTP:       true,
	TypeProcess:    true,
	TypeCustom:     true,
}

var validProtocols = map[Protocol]bool{
	ProtocolStdio:     true,
	ProtocolHTTP:      true,
	ProtocolWebSocket: true,
	ProtocolRPC:       true,
}

var validPermissions = map[string]bool{
	"":           true,
	"read":       true,
	"read-write": true,
}

// Validate checks the definition and returns every violation found.
func (d *ServerDefinition) Validate() error {
	var errs ValidationErrors

	add := func(field, format string, args ...any) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(d.Name) == "" {
		add("name", "name is required")
	}
	if d.Type == "" {
		add("type", "type is required")
	} else if !validTypes[d.Type] {
		add("type", "unknown type: %s (must be one of: filesystem, database, http, process, custom)", d.Type)
	}
	if d.Protocol == "" {
		add("protocol", "protocol is required")
	} else if !validProtocols[d.Protocol] {
		add("protocol", "unknown protocol: %s (must be one of: stdio, http, websocket, rpc)", d.Protocol)
	}
	if strings.TrimSpace(d.Command) == "" {
		add("command", "command is required")
	}

	// Network protocols bind a port; stdio must not claim one.
	if validProtocols[d.Protocol] {
		if d.Protocol.NetworkProtocol() {
			if d.Advanced.Port <= 0 || d.Advanced.Port >= 65536 {
				add("advanced.port", "port must be between 1 and 65535 for protocol %s", d.Protocol)
			}
		} else if d.Advanced.Port != 0 {
			add("advanced.port", "port must not be set for stdio protocol")
		}
	}

	if d.Security.TokenBudget < 0 {
		add("security.tokenBudget", "tokenBudget must be >= 0")
	}
	if d.Security.RequestsPerMinute < 0 {
		add("security.requestsPerMinute", "requestsPerMinute must be >= 0")
	}
	if d.Security.MaxConcurrent < 0 {
		add("security.maxConcurrent", "maxConcurrent must be >= 0")
	}
	for i, pattern := range d.Security.BlockedCommands {
		if !doublestar.ValidatePattern(pattern) {
			add(fmt.Sprintf("security.blockedCommands[%d]", i), "invalid pattern: %s", pattern)
		}
	}

	if d.Advanced.TimeoutSeconds < 0 {
		add("advanced.timeoutSeconds", "timeoutSeconds must be >= 0")
	}
	if d.Advanced.MaxRetries < 0 {
		add("advanced.maxRetries", "maxRetries must be >= 0")
	}

	for key := range d.Env {
		if strings.TrimSpace(key) == "" {
			add("environment", "environment variable names cannot be empty")
		} else if strings.Contains(key, "=") {
			add("environment."+key, "environment variable names cannot contain '='")
		}
	}

	errs = append(errs, d.validateTypeConfig()...)

	return errs.OrNil()
}

// validateTypeConfig checks the type-specific section against the declared type.
func (d *ServerDefinition) validateTypeConfig() ValidationErrors {
	var errs ValidationErrors

	add := func(field, format string, args ...any) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	switch d.Type {
	case TypeFilesystem:
		fs := d.TypeConfig.Filesystem
		if fs == nil {
			add("typeConfig.filesystem", "filesystem section is required for type filesystem")
			break
		}
		if len(fs.AllowedDirectories) == 0 {
			add("typeConfig.filesystem.allowedDirectories", "at least one allowed directory is required")
		}
		for i, dir := range fs.AllowedDirectories {
			if !doublestar.ValidatePattern(dir) {
				add(fmt.Sprintf("typeConfig.filesystem.allowedDirectories[%d]", i), "invalid pattern: %s", dir)
			}
		}
		if !validPermissions[fs.Permissions] {
			add("typeConfig.filesystem.permissions", "permissions must be 'read' or 'read-write'")
		}
	case TypeDatabase:
		db := d.TypeConfig.Database
		if db == nil {
			add("typeConfig.database", "database section is required for type database")
		} else if strings.TrimSpace(db.ConnectionString) == "" {
			add("typeConfig.database.connectionString", "connectionString is required")
		}
	default:
		if d.TypeConfig.Filesystem != nil {
			add("typeConfig.filesystem", "filesystem section is only valid for type filesystem")
		}
		if d.TypeConfig.Database != nil {
			add("typeConfig.database", "database section is only valid for type database")
		}
	}

	return errs
}
