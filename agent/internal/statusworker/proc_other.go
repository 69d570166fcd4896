//go:build !unix

package statusworker

import (
	"errors"
	"os"
	"os/exec"
)

func isolate(*exec.Cmd) {}

func killTree(cmd *exec.Cmd) error {
	err := cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
