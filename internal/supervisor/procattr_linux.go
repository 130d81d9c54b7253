package supervisor

import (
	"os/exec"
	"syscall"

	"github.com/nixpig/jobbridge/internal/supervisor/cgroups"
)

// setProcAttr runs the worker in its own process group and, when available,
// starts it directly inside its cgroup.
func setProcAttr(cmd *exec.Cmd, cg *cgroups.Cgroup) {
	attr := &syscall.SysProcAttr{Setpgid: true}

	if cg != nil && cg.FD() != nil {
		attr.UseCgroupFD = true
		attr.CgroupFD = int(cg.FD().Fd())
	}

	cmd.SysProcAttr = attr
}

// killProcess sends SIGKILL to the worker's process group so children it
// spawned do not outlive it.
func killProcess(cmd *exec.Cmd) error {
	pid := cmd.Process.Pid

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		return cmd.Process.Kill()
	}

	return nil
}
