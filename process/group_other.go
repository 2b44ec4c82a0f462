//go:build !unix

package process

import "os/exec"

func setGroup(*exec.Cmd) {}

// terminate kills the process; there is no gentler signal to send here.
func terminate(cmd *exec.Cmd) error { return kill(cmd) }

func kill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
