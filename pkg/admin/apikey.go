// API key authentication for the control API.

package admin

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/getfleetd/fleetd/pkg/httputil"
)

const (
	// apiKeyBytes is the length of generated API keys (32 bytes, 64 hex
	// chars after the prefix).
	apiKeyBytes = 32

	// APIKeyPrefix makes fleetd keys identifiable in config files and logs.
	APIKeyPrefix = "fd_"

	// APIKeyHeader is the HTTP header carrying the key.
	APIKeyHeader = "X-API-Key"

	keyFileName = "admin-api-key"
)

// APIKeyConfig configures control API authentication.
type APIKeyConfig struct {
	// Enabled controls whether a key is required at all.
	Enabled bool

	// Key is the API key. Empty with Enabled set means one is loaded from
	// FLEETD_API_KEY, the key file, or freshly generated.
	Key string

	// KeyFilePath overrides where the generated key is stored.
	KeyFilePath string

	// AllowLocalhost waives the key for loopback clients. Development only.
	AllowLocalhost bool

	// ExemptPaths skip authentication. /health is always exempt.
	ExemptPaths []string
}

// KeyFilePath returns where the daemon persists its generated API key.
// The CLI reads the same file to authenticate against a local daemon.
func KeyFilePath(dataDir string) string {
	return filepath.Join(dataDir, keyFileName)
}

// DefaultAPIKeyConfig returns the secure-by-default configuration.
func DefaultAPIKeyConfig() APIKeyConfig {
	return APIKeyConfig{
		Enabled:     true,
		ExemptPaths: []string{"/health"},
	}
}

type apiKeyAuth struct {
	config APIKeyConfig

	mu      sync.RWMutex
	keyHash [sha256.Size]byte
	haveKey bool

	log func(msg string, args ...any)
}

func newAPIKeyAuth(config APIKeyConfig, dataDir string, logFn func(msg string, args ...any)) (*apiKeyAuth, error) {
	auth := &apiKeyAuth{config: config, log: logFn}
	if !config.Enabled {
		return auth, nil
	}

	if config.Key != "" {
		auth.setKey(config.Key)
		return auth, nil
	}

	if envKey := os.Getenv("FLEETD_API_KEY"); envKey != "" {
		auth.setKey(envKey)
		auth.log("using API key from FLEETD_API_KEY")
		return auth, nil
	}

	keyPath := config.KeyFilePath
	if keyPath == "" {
		keyPath = filepath.Join(dataDir, keyFileName)
	}
	if data, err := os.ReadFile(keyPath); err == nil {
		if key := strings.TrimSpace(string(data)); key != "" {
			auth.setKey(key)
			auth.log("loaded API key", "path", keyPath)
			return auth, nil
		}
	}

	key, err := generateAPIKey()
	if err != nil {
		return nil, fmt.Errorf("generate API key: %w", err)
	}
	auth.setKey(key)
	if err := os.WriteFile(keyPath, []byte(key+"\n"), 0o600); err != nil {
		auth.log("could not persist API key", "path", keyPath, "error", err)
	} else {
		auth.log("generated API key", "path", keyPath)
	}
	// Shown once so operators can pick it up from the startup output.
	fmt.Fprintf(os.Stdout, "Admin API key: %s\n", key)
	return auth, nil
}

func generateAPIKey() (string, error) {
	buf := make([]byte, apiKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return APIKeyPrefix + hex.EncodeToString(buf), nil
}

func (a *apiKeyAuth) setKey(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keyHash = sha256.Sum256([]byte(key))
	a.haveKey = true
}

func (a *apiKeyAuth) verify(key string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.haveKey {
		return false
	}
	sum := sha256.Sum256([]byte(key))
	return subtle.ConstantTimeCompare(sum[:], a.keyHash[:]) == 1
}

func (a *apiKeyAuth) exempt(path string) bool {
	if path == "/health" {
		return true
	}
	for _, p := range a.config.ExemptPaths {
		if p == path {
			return true
		}
	}
	return false
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// middleware rejects requests without a valid key.
func (a *apiKeyAuth) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.config.Enabled || a.exempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if a.config.AllowLocalhost && isLoopback(r.RemoteAddr) {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get(APIKeyHeader)
		if key == "" {
			if bearer := r.Header.Get("Authorization"); strings.HasPrefix(bearer, "Bearer ") {
				key = strings.TrimPrefix(bearer, "Bearer ")
			}
		}
		if key == "" || !a.verify(key) {
			httputil.WriteError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}
