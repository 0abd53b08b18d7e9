//go:build windows

package supervisor

import "os/exec"

func setProcAttr(cmd *exec.Cmd) {}

func signalTerm(cmd *exec.Cmd) error {
	// Windows has no SIGTERM equivalent for arbitrary processes.
	return cmd.Process.Kill()
}

func killGroup(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
