//go:build !linux

package supervisor

import (
	"os/exec"

	"github.com/nixpig/jobbridge/internal/supervisor/cgroups"
)

func setProcAttr(cmd *exec.Cmd, cg *cgroups.Cgroup) {}

func killProcess(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
