// Package registry is the validated, persisted catalog of server definitions.
//
// Definitions live in definitions.json under the data dir; environment values
// marked encrypted are sealed with AES-GCM and kept apart in secrets.json, so
// plaintext secrets only exist in memory at spawn time. Mutations are applied
// and persisted atomically or rejected with no partial state visible.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/getfleetd/fleetd/internal/id"
	"github.com/getfleetd/fleetd/pkg/config"
	"github.com/getfleetd/fleetd/pkg/logging"
)

// Registry errors.
var (
	ErrNotFound      = errors.New("server definition not found")
	ErrDuplicateName = errors.New("server definition name already exists")
	ErrClosed        = errors.New("registry is closed")
)

// Operation names carried by change events.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
	OpReload = "reload"
)

// Event describes a registry change.
type Event struct {
	Op string
	ID string
}

// Listener receives registry change events. Listeners run on their own
// goroutine; a panicking listener never takes down the registry.
type Listener func(Event)

// DeleteHook runs before a definition is removed. The supervisor registers
// one so the instance is stopped before the delete is acknowledged.
type DeleteHook func(ctx context.Context, definitionID string) error

// Registry is the durable catalog of server definitions.
type Registry struct {
	dataDir string
	cipher  *Cipher
	log     *slog.Logger

	mu      sync.RWMutex
	defs    map[string]*config.ServerDefinition
	names   map[string]string // lowercase name -> id
	secrets map[string]string // defID/ENVKEY -> sealed value
	closed  bool

	listenersMu sync.RWMutex
	listeners   []Listener

	deleteHook DeleteHook
}

// New creates a Registry rooted at dataDir. Call Open before use.
func New(dataDir string) *Registry {
	return &Registry{
		dataDir: dataDir,
		defs:    make(map[string]*config.ServerDefinition),
		names:   make(map[string]string),
		secrets: make(map[string]string),
		log:     logging.Nop(),
	}
}

// SetLogger sets the operational logger.
func (r *Registry) SetLogger(log *slog.Logger) {
	if log != nil {
		r.log = log
	} else {
		r.log = logging.Nop()
	}
}

// SetDeleteHook installs the pre-delete cascade hook.
func (r *Registry) SetDeleteHook(hook DeleteHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteHook = hook
}

// Subscribe registers a change listener.
func (r *Registry) Subscribe(l Listener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Registry) notify(op, defID string) {
	r.listenersMu.RLock()
	listeners := make([]Listener, len(r.listeners))
	copy(listeners, r.listeners)
	r.listenersMu.RUnlock()

	ev := Event{Op: op, ID: defID}
	for _, l := range listeners {
		go func(l Listener) {
			defer func() { _ = recover() }()
			l(ev)
		}(l)
	}
}

// Open loads persisted state and initializes the secret cipher.
func (r *Registry) Open(ctx context.Context) error {
	cipher, err := LoadCipher(r.dataDir)
	if err != nil {
		return fmt.Errorf("init secret cipher: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.cipher = cipher
	return r.loadLocked()
}

// Close marks the registry closed. State is already durable; nothing to flush.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// List returns clones of all definitions, sorted by ID (creation order, since
// IDs are ULIDs). Sealed env values remain blank; use Redacted for display.
func (r *Registry) List() []*config.ServerDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*config.ServerDefinition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d.Clone())
	}
	sortByID(out)
	return out
}

// Get returns a clone of the definition with the given ID.
func (r *Registry) Get(defID string) (*config.ServerDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.defs[defID]
	if !ok {
		return nil, ErrNotFound
	}
	return d.Clone(), nil
}

// FindByName returns a clone of the definition with the given name.
func (r *Registry) FindByName(name string) (*config.ServerDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defID, ok := r.names[strings.ToLower(name)]
	if !ok {
		return nil, ErrNotFound
	}
	return r.defs[defID].Clone(), nil
}

// Create validates, persists, and returns a new definition. The caller's ID
// field is ignored; a fresh ULID is assigned.
func (r *Registry) Create(def *config.ServerDefinition) (*config.ServerDefinition, error) {
	stored := def.Clone()
	stored.ID = id.ULID()
	stored.Version = 1
	now := time.Now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now

	if err := stored.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}

	nameKey := strings.ToLower(stored.Name)
	if _, exists := r.names[nameKey]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateName, stored.Name)
	}

	sealed, err := r.sealEnvLocked(stored, nil)
	if err != nil {
		return nil, err
	}

	r.defs[stored.ID] = stored
	r.names[nameKey] = stored.ID
	for k, v := range sealed {
		r.secrets[k] = v
	}

	if err := r.saveLocked(); err != nil {
		// Reject with no partial state visible.
		delete(r.defs, stored.ID)
		delete(r.names, nameKey)
		for k := range sealed {
			delete(r.secrets, k)
		}
		return nil, fmt.Errorf("persist definition: %w", err)
	}

	r.notify(OpCreate, stored.ID)
	return stored.Clone(), nil
}

// Update validates and persists changes to an existing definition, bumping
// its version. Encrypted env entries submitted with an empty or masked value
// keep their previously sealed secret.
func (r *Registry) Update(defID string, def *config.ServerDefinition) (*config.ServerDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}

	prev, ok := r.defs[defID]
	if !ok {
		return nil, ErrNotFound
	}

	stored := def.Clone()
	stored.ID = defID
	stored.Version = prev.Version + 1
	stored.CreatedAt = prev.CreatedAt
	stored.UpdatedAt = time.Now().UTC()

	if err := stored.Validate(); err != nil {
		return nil, err
	}

	nameKey := strings.ToLower(stored.Name)
	if other, exists := r.names[nameKey]; exists && other != defID {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateName, stored.Name)
	}

	sealed, err := r.sealEnvLocked(stored, prev)
	if err != nil {
		return nil, err
	}

	prevNameKey := strings.ToLower(prev.Name)
	prevSecrets := r.secretsForLocked(defID)

	r.defs[defID] = stored
	delete(r.names, prevNameKey)
	r.names[nameKey] = defID
	r.dropSecretsLocked(defID)
	for k, v := range sealed {
		r.secrets[k] = v
	}

	if err := r.saveLocked(); err != nil {
		r.defs[defID] = prev
		delete(r.names, nameKey)
		r.names[prevNameKey] = defID
		r.dropSecretsLocked(defID)
		for k, v := range prevSecrets {
			r.secrets[k] = v
		}
		return nil, fmt.Errorf("persist definition: %w", err)
	}

	r.notify(OpUpdate, defID)
	return stored.Clone(), nil
}

// Delete removes a definition, running the delete hook first so the instance
// is stopped before the delete is acknowledged.
func (r *Registry) Delete(ctx context.Context, defID string) error {
	r.mu.RLock()
	_, ok := r.defs[defID]
	hook := r.deleteHook
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	if hook != nil {
		if err := hook(ctx, defID); err != nil {
			return fmt.Errorf("stop instance before delete: %w", err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.defs[defID]
	if !ok {
		return ErrNotFound
	}
	prevSecrets := r.secretsForLocked(defID)

	delete(r.defs, defID)
	delete(r.names, strings.ToLower(prev.Name))
	r.dropSecretsLocked(defID)

	if err := r.saveLocked(); err != nil {
		r.defs[defID] = prev
		r.names[strings.ToLower(prev.Name)] = defID
		for k, v := range prevSecrets {
			r.secrets[k] = v
		}
		return fmt.Errorf("persist delete: %w", err)
	}

	r.notify(OpDelete, defID)
	return nil
}

// SpawnEnv materializes the full plaintext environment for a definition.
// Only the supervisor's launcher calls this, at spawn time; values are never
// logged.
func (r *Registry) SpawnEnv(defID string) (map[string]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.defs[defID]
	if !ok {
		return nil, ErrNotFound
	}

	env := make(map[string]string, len(d.Env))
	for key, v := range d.Env {
		if !v.Encrypted {
			env[key] = v.Value
			continue
		}
		sealed, ok := r.secrets[secretKey(defID, key)]
		if !ok {
			return nil, fmt.Errorf("missing sealed value for %s", key)
		}
		plain, err := r.cipher.Open(sealed)
		if err != nil {
			return nil, fmt.Errorf("unseal %s: %w", key, err)
		}
		env[key] = plain
	}
	return env, nil
}

// sealEnvLocked seals encrypted env values of def and blanks them in the
// stored copy. An empty or masked incoming value on update preserves the
// existing sealed secret from prev.
func (r *Registry) sealEnvLocked(def, prev *config.ServerDefinition) (map[string]string, error) {
	sealed := make(map[string]string)
	for key, v := range def.Env {
		if !v.Encrypted {
			continue
		}
		sk := secretKey(def.ID, key)
		if v.Value == "" || v.Value == "********" {
			if existing, ok := r.secrets[sk]; ok && prev != nil {
				sealed[sk] = existing
				def.Env[key] = config.EnvValue{Encrypted: true}
				continue
			}
			return nil, fmt.Errorf("encrypted environment value %s has no plaintext and no stored secret", key)
		}
		ct, err := r.cipher.Seal(v.Value)
		if err != nil {
			return nil, fmt.Errorf("seal %s: %w", key, err)
		}
		sealed[sk] = ct
		def.Env[key] = config.EnvValue{Encrypted: true}
	}
	return sealed, nil
}

func (r *Registry) secretsForLocked(defID string) map[string]string {
	out := make(map[string]string)
	prefix := defID + "/"
	for k, v := range r.secrets {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out
}

func (r *Registry) dropSecretsLocked(defID string) {
	prefix := defID + "/"
	for k := range r.secrets {
		if strings.HasPrefix(k, prefix) {
			delete(r.secrets, k)
		}
	}
}

func secretKey(defID, envKey string) string {
	return defID + "/" + envKey
}

func sortByID(defs []*config.ServerDefinition) {
	for i := 1; i < len(defs); i++ {
		for j := i; j > 0 && defs[j-1].ID > defs[j].ID; j-- {
			defs[j-1], defs[j] = defs[j], defs[j-1]
		}
	}
}
