// Package config defines the server definition model and the daemon
// configuration, plus validation for both.
package config

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// ServerType classifies what kind of workload a definition describes.
type ServerType string

// Supported server types.
const (
	TypeFilesystem ServerType = "filesystem"
	TypeDatabase   ServerType = "database"
	TypeHTTP       ServerType = "http"
	TypeProcess    ServerType = "process"
	TypeCustom     ServerType = "custom"
)

// Protocol is the wire protocol a child server speaks.
type Protocol string

// Supported protocols.
const (
	ProtocolStdio     Protocol = "stdio"
	ProtocolHTTP      Protocol = "http"
	ProtocolWebSocket Protocol = "websocket"
	ProtocolRPC       Protocol = "rpc"
)

// NetworkProtocol reports whether p binds a host:port.
func (p Protocol) NetworkProtocol() bool {
	return p == ProtocolHTTP || p == ProtocolWebSocket || p == ProtocolRPC
}

// EnvValue is a single environment entry. Values marked Encrypted are sealed
// by the registry and stored apart from the definition; the Value field of an
// encrypted entry is empty everywhere except at spawn time.
type EnvValue struct {
	Value     string `json:"value" yaml:"value"`
	Encrypted bool   `json:"encrypted,omitempty" yaml:"encrypted,omitempty"`
}

// SecurityConfig holds the per-definition policy knobs.
type SecurityConfig struct {
	// TokenBudget is the consumable request-cost allowance per reset period.
	// Zero means unlimited.
	TokenBudget int `json:"tokenBudget,omitempty" yaml:"tokenBudget,omitempty"`

	// RequestsPerMinute caps invoke calls in a sliding one-minute window.
	// Zero means unlimited.
	RequestsPerMinute int `json:"requestsPerMinute,omitempty" yaml:"requestsPerMinute,omitempty"`

	// MaxConcurrent caps in-flight invoke calls. Zero means unlimited.
	MaxConcurrent int `json:"maxConcurrent,omitempty" yaml:"maxConcurrent,omitempty"`

	// BlockedCommands are glob patterns; a matching operation name is rejected.
	BlockedCommands []string `json:"blockedCommands,omitempty" yaml:"blockedCommands,omitempty"`

	// RequireAuth requires callers to present a valid credential per invoke.
	RequireAuth bool `json:"requireAuth,omitempty" yaml:"requireAuth,omitempty"`
}

// AdvancedConfig holds tuning settings most definitions leave at defaults.
type AdvancedConfig struct {
	Port             int    `json:"port,omitempty" yaml:"port,omitempty"`
	Host             string `json:"host,omitempty" yaml:"host,omitempty"`
	TimeoutSeconds   int    `json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds,omitempty"`
	MaxRetries       int    `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
	LogLevel         string `json:"logLevel,omitempty" yaml:"logLevel,omitempty"`

	// RestartOnFailure controls automatic restarts after an unexpected
	// exit. Unset means enabled.
	RestartOnFailure *bool `json:"restartOnFailure,omitempty" yaml:"restartOnFailure,omitempty"`
}

// FilesystemConfig is the type-specific configuration for filesystem servers.
type FilesystemConfig struct {
	// AllowedDirectories are glob patterns of directories the server may touch.
	AllowedDirectories []string `json:"allowedDirectories,omitempty" yaml:"allowedDirectories,omitempty"`

	// Permissions is "read" or "read-write".
	Permissions string `json:"permissions,omitempty" yaml:"permissions,omitempty"`
}

// DatabaseConfig is the type-specific configuration for database servers.
type DatabaseConfig struct {
	ConnectionString string `json:"connectionString,omitempty" yaml:"connectionString,omitempty"`
	ReadOnly         bool   `json:"readOnly,omitempty" yaml:"readOnly,omitempty"`
}

// TypeConfig carries the protocol/type-specific section of a definition.
// At most one member is set, matching the definition's Type.
type TypeConfig struct {
	Filesystem *FilesystemConfig `json:"filesystem,omitempty" yaml:"filesystem,omitempty"`
	Database   *DatabaseConfig   `json:"database,omitempty" yaml:"database,omitempty"`
}

// ServerDefinition is the declarative, persisted description of a server to
// supervise. Identity is the ID; name uniqueness is enforced by the registry.
type ServerDefinition struct {
	ID         string              `json:"id" yaml:"id"`
	Name       string              `json:"name" yaml:"name"`
	Type       ServerType          `json:"type" yaml:"type"`
	Protocol   Protocol            `json:"protocol" yaml:"protocol"`
	Command    string              `json:"command,omitempty" yaml:"command,omitempty"`
	Args       []string            `json:"args,omitempty" yaml:"args,omitempty"`
	WorkingDir string              `json:"workingDirectory,omitempty" yaml:"workingDirectory,omitempty"`
	Env        map[string]EnvValue `json:"environment,omitempty" yaml:"environment,omitempty"`
	AutoStart  bool                `json:"autoStart,omitempty" yaml:"autoStart,omitempty"`
	Disabled   bool                `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Security   SecurityConfig      `json:"security,omitempty" yaml:"security,omitempty"`
	Advanced   AdvancedConfig      `json:"advanced,omitempty" yaml:"advanced,omitempty"`
	TypeConfig TypeConfig          `json:"typeConfig,omitempty" yaml:"typeConfig,omitempty"`

	// Version is bumped by the registry on every update.
	Version   int       `json:"version,omitempty" yaml:"version,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty" yaml:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty" yaml:"updatedAt,omitempty"`
}

// DefaultTimeout is the per-call deadline when TimeoutSeconds is unset.
const DefaultTimeout = 30 * time.Second

// DefaultMaxRetries bounds automatic restarts when MaxRetries is unset.
const DefaultMaxRetries = 3

// Timeout returns the invoke/handshake deadline for this definition.
func (d *ServerDefinition) Timeout() time.Duration {
	if d.Advanced.TimeoutSeconds > 0 {
		return time.Duration(d.Advanced.TimeoutSeconds) * time.Second
	}
	return DefaultTimeout
}

// MaxRetries returns the automatic restart bound for this definition.
func (d *ServerDefinition) MaxRetries() int {
	if d.Advanced.MaxRetries > 0 {
		return d.Advanced.MaxRetries
	}
	return DefaultMaxRetries
}

// RestartOnFailure reports whether unexpected exits trigger automatic
// restarts. Enabled unless the definition opts out.
func (d *ServerDefinition) RestartOnFailure() bool {
	if d.Advanced.RestartOnFailure == nil {
		return true
	}
	return *d.Advanced.RestartOnFailure
}

// Addr returns the host:port a network-protocol definition binds.
func (d *ServerDefinition) Addr() string {
	host := d.Advanced.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(d.Advanced.Port))
}

// Clone returns a deep copy of the definition.
func (d *ServerDefinition) Clone() *ServerDefinition {
	out := *d
	out.Args = append([]string(nil), d.Args...)
	if d.Advanced.RestartOnFailure != nil {
		v := *d.Advanced.RestartOnFailure
		out.Advanced.RestartOnFailure = &v
	}
	out.Security.BlockedCommands = append([]string(nil), d.Security.BlockedCommands...)
	if d.Env != nil {
		out.Env = make(map[string]EnvValue, len(d.Env))
		for k, v := range d.Env {
			out.Env[k] = v
		}
	}
	if d.TypeConfig.Filesystem != nil {
		fs := *d.TypeConfig.Filesystem
		fs.AllowedDirectories = append([]string(nil), d.TypeConfig.Filesystem.AllowedDirectories...)
		out.TypeConfig.Filesystem = &fs
	}
	if d.TypeConfig.Database != nil {
		db := *d.TypeConfig.Database
		out.TypeConfig.Database = &db
	}
	return &out
}

// Redacted returns a copy safe for listing: encrypted env values and database
// connection strings are masked.
func (d *ServerDefinition) Redacted() *ServerDefinition {
	out := d.Clone()
	for k, v := range out.Env {
		if v.Encrypted {
			out.Env[k] = EnvValue{Value: "********", Encrypted: true}
		}
	}
	if out.TypeConfig.Database != nil && out.TypeConfig.Database.ConnectionString != "" {
		out.TypeConfig.Database.ConnectionString = "********"
	}
	return out
}

func (d *ServerDefinition) String() string {
	return fmt.Sprintf("%s (%s/%s, id=%s)", d.Name, d.Type, d.Protocol, d.ID)
}
