//go:build windows

package ffmpeg

import "os/exec"

func configureChild(cmd *exec.Cmd) {}

func killChild(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
