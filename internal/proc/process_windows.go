//go:build windows

package proc

import (
	"os/exec"
	"strconv"
	"syscall"
)

const createNewConsole = 0x00000010

func configureCmd(cmd *exec.Cmd) {
	// The server gets its own console window, as when started by hand.
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNewConsole}
}

func killTree(cmd *exec.Cmd) error {
	kill := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(cmd.Process.Pid))
	if err := kill.Run(); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}
