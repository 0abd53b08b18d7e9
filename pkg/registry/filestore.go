package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/getfleetd/fleetd/pkg/config"
)

// Current persisted format version for migration support.
const dataVersion = 1

const (
	definitionsFileName = "definitions.json"
	secretsFileName     = "secrets.json"
)

// definitionsFile is the on-disk shape of definitions.json.
type definitionsFile struct {
	Version     int                        `json:"version"`
	Definitions []*config.ServerDefinition `json:"definitions,omitempty"`
}

// secretsFileData is the on-disk shape of secrets.json. Values are sealed;
// the file never contains plaintext.
type secretsFileData struct {
	Version int               `json:"version"`
	Sealed  map[string]string `json:"sealed,omitempty"`
}

// loadLocked reads both files into memory. Missing files mean a fresh start.
// Caller holds r.mu.
func (r *Registry) loadLocked() error {
	if err := os.MkdirAll(r.dataDir, 0o700); err != nil {
		return err
	}

	r.defs = make(map[string]*config.ServerDefinition)
	r.names = make(map[string]string)
	r.secrets = make(map[string]string)

	data, err := os.ReadFile(filepath.Join(r.dataDir, definitionsFileName))
	if err == nil {
		var stored definitionsFile
		if err := json.Unmarshal(data, &stored); err != nil {
			return err
		}
		for _, d := range stored.Definitions {
			r.defs[d.ID] = d
			r.names[strings.ToLower(d.Name)] = d.ID
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	data, err = os.ReadFile(filepath.Join(r.dataDir, secretsFileName))
	if err == nil {
		var stored secretsFileData
		if err := json.Unmarshal(data, &stored); err != nil {
			return err
		}
		for k, v := range stored.Sealed {
			r.secrets[k] = v
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	return nil
}

// Reload re-reads persisted state, used when the data file changes on disk
// outside this process. Listeners receive a reload event.
func (r *Registry) Reload() error {
	r.mu.Lock()
	err := r.loadLocked()
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.notify(OpReload, "")
	return nil
}

// saveLocked persists both files with atomic writes. Caller holds r.mu.
func (r *Registry) saveLocked() error {
	defs := make([]*config.ServerDefinition, 0, len(r.defs))
	for _, d := range r.defs {
		defs = append(defs, d)
	}
	sortByID(defs)

	defData, err := json.MarshalIndent(definitionsFile{Version: dataVersion, Definitions: defs}, "", "  ")
	if err != nil {
		return err
	}
	if err := atomicWrite(filepath.Join(r.dataDir, definitionsFileName), defData); err != nil {
		return err
	}

	secData, err := json.MarshalIndent(secretsFileData{Version: dataVersion, Sealed: r.secrets}, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(r.dataDir, secretsFileName), secData)
}

// atomicWrite writes to a temp file then renames over the target.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
