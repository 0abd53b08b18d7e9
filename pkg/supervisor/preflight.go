package supervisor

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/getfleetd/fleetd/pkg/config"
)

// preflight checks that a definition can actually be launched on this host.
// All problems are collected so the operator sees the full picture at once.
func preflight(def *config.ServerDefinition) error {
	var reasons []string

	if def.Command != "" {
		if _, err := exec.LookPath(def.Command); err != nil {
			reasons = append(reasons, fmt.Sprintf("command %q not found on PATH", def.Command))
		}
	}

	if def.WorkingDir != "" {
		dir := def.WorkingDir
		if !filepath.IsAbs(dir) {
			reasons = append(reasons, fmt.Sprintf("working directory %q is not absolute", dir))
		} else if info, err := os.Stat(dir); err != nil {
			reasons = append(reasons, fmt.Sprintf("working directory %q: %v", dir, err))
		} else if !info.IsDir() {
			reasons = append(reasons, fmt.Sprintf("working directory %q is not a directory", dir))
		}
	}

	if def.Protocol.NetworkProtocol() {
		addr := def.Addr()
		if l, err := net.Listen("tcp", addr); err != nil {
			reasons = append(reasons, fmt.Sprintf("port check %s: %v", addr, err))
		} else {
			l.Close()
		}
	}

	if len(reasons) > 0 {
		return &PreflightError{Reasons: reasons}
	}
	return nil
}
