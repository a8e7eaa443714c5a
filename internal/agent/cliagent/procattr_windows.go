//go:build windows

package cliagent

import (
	"os"
	"os/exec"
)

// Windows has no process groups; the agent process itself is killed.
func setProcessGroup(*exec.Cmd) {}

func terminateGroup(p *os.Process) error { return killGroup(p) }

func killGroup(p *os.Process) error {
	if p == nil {
		return nil
	}
	return p.Kill()
}

func exitSignal(*exec.ExitError) string { return "" }
