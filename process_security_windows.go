//go:build windows

package siteroutes

import (
	"os/exec"
)

// configureProcessSecurity is a no-op on Windows, where function hosts run
// as the server's user.
func configureProcessSecurity(cmd *exec.Cmd, filePath string) error {
	return nil
}
