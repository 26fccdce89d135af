// Package shell runs the host tools this module treats as opaque
// collaborators (mkfs.*, fsck.*, resize2fs, mount/umount), collecting
// their combined output.
package shell

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/partitool/diskpart/internal/utils/logger"
)

var log = logger.Logger()

// Executor abstracts command execution so tests can substitute a fake.
type Executor interface {
	ExecCmd(cmdStr string, sudo bool) (string, error)
}

type DefaultExecutor struct{}

var Default Executor = &DefaultExecutor{}

// ExecCmd runs cmdStr through the default executor.
func ExecCmd(cmdStr string, sudo bool) (string, error) {
	return Default.ExecCmd(cmdStr, sudo)
}

// ExecCmd executes a command line and returns its trimmed combined
// output. When sudo is requested and the process is not already root,
// the command is escalated.
func (d *DefaultExecutor) ExecCmd(cmdStr string, sudo bool) (string, error) {
	if sudo && os.Geteuid() != 0 {
		cmdStr = "sudo " + cmdStr
	}
	log.Debugf("Exec: [%s]", cmdStr)

	out, err := exec.Command("sh", "-c", cmdStr).CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		return output, fmt.Errorf("failed to execute command %s: output %s, err %w", cmdStr, output, err)
	}
	if output != "" {
		log.Debugf(output)
	}
	return output, nil
}

// IsCommandExist reports whether a tool is present on the host, so
// callers can refuse an operation cleanly instead of surfacing a raw
// shell failure.
func IsCommandExist(cmd string) bool {
	if _, err := exec.LookPath(cmd); err != nil {
		log.Debugf("command %s not found on host", cmd)
		return false
	}
	return true
}
