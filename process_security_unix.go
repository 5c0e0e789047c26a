//go:build !windows

package siteroutes

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"syscall"

	"golang.org/x/sys/unix"
)

// configureProcessSecurity checks that the function host is executable,
// puts it in its own process group and, when running as root, drops to the
// owner of the executable.
func configureProcessSecurity(cmd *exec.Cmd, filePath string) error {
	if err := unix.Access(filePath, unix.X_OK); err != nil {
		return fmt.Errorf("file %s is not executable: %w", filePath, err)
	}

	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	cmd.SysProcAttr.Pgid = 0

	currentUser, err := user.Current()
	if err != nil {
		return fmt.Errorf("failed to get current user: %w", err)
	}

	if currentUser.Uid != "0" {
		return nil
	}

	fileInfo, err := os.Stat(filePath)
	if err != nil {
		return fmt.Errorf("failed to stat file %s: %w", filePath, err)
	}

	stat, ok := fileInfo.Sys().(*syscall.Stat_t)
	if !ok {
		return fmt.Errorf("failed to get file system info for %s", filePath)
	}

	if stat.Uid == 0 {
		return nil
	}

	cmd.SysProcAttr.Credential = &syscall.Credential{
		Uid: stat.Uid,
		Gid: stat.Gid,
	}

	return nil
}
