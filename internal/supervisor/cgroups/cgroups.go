// Package cgroups places worker processes in a cgroup v2 group with optional
// cpu, memory and I/O limits.
package cgroups

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	cpuPeriodMicros = 100000
	procMountinfo   = "/proc/self/mountinfo"

	// DefaultRoot is the cgroup v2 unified hierarchy mount point.
	DefaultRoot = "/sys/fs/cgroup"

	namePrefix = "jobbridge-"
)

// ResourceLimits caps the resources the workers in a Cgroup may use. Zero
// values leave the corresponding controller untouched.
type ResourceLimits struct {
	CPUMaxPercent  int64 `yaml:"cpu_max_percent"`
	MemoryMaxBytes int64 `yaml:"memory_max_bytes"`
	IOMaxBPS       int64 `yaml:"io_max_bps"`
}

// IsZero reports whether no limit is set.
func (l *ResourceLimits) IsZero() bool {
	return l == nil ||
		(l.CPUMaxPercent == 0 && l.MemoryMaxBytes == 0 && l.IOMaxBPS == 0)
}

// Cgroup is a single cgroup directory owned by one worker.
type Cgroup struct {
	name string
	path string
	fd   *os.File
}

// CreateCgroup creates the cgroup name under root and applies limits. The
// directory is opened for use with SysProcAttr.CgroupFD only when root is the
// real cgroup mount.
func CreateCgroup(root, name string, limits *ResourceLimits) (*Cgroup, error) {
	cg := &Cgroup{
		name: name,
		path: filepath.Join(root, namePrefix+name),
	}

	if err := os.MkdirAll(cg.path, 0755); err != nil {
		return nil, fmt.Errorf("make cgroup dir: %w", err)
	}

	if limits != nil {
		if err := cg.applyLimits(limits); err != nil {
			os.RemoveAll(cg.path)
			return nil, fmt.Errorf("apply cgroup limits: %w", err)
		}
	}

	if isRealCgroupRoot(root) {
		fd, err := os.Open(cg.path)
		if err != nil {
			os.RemoveAll(cg.path)
			return nil, fmt.Errorf("open cgroup dir: %w", err)
		}

		cg.fd = fd
	}

	return cg, nil
}

func (c *Cgroup) applyLimits(limits *ResourceLimits) error {
	if limits.CPUMaxPercent > 0 {
		if err := c.setCPULimit(limits.CPUMaxPercent); err != nil {
			return fmt.Errorf("set CPU max limit: %w", err)
		}
	}

	if limits.MemoryMaxBytes > 0 {
		if err := c.setMemoryLimit(limits.MemoryMaxBytes); err != nil {
			return fmt.Errorf("set memory max limit: %w", err)
		}
	}

	if limits.IOMaxBPS > 0 {
		if err := c.setIOLimit(limits.IOMaxBPS); err != nil {
			return fmt.Errorf("set I/O max limit: %w", err)
		}
	}

	return nil
}

func (c *Cgroup) setCPULimit(percent int64) error {
	quota := (percent * cpuPeriodMicros) / 100
	value := fmt.Sprintf("%d %d", quota, cpuPeriodMicros)

	return c.write("cpu.max", value)
}

func (c *Cgroup) setMemoryLimit(bytes int64) error {
	return c.write("memory.max", strconv.FormatInt(bytes, 10))
}

func (c *Cgroup) setIOLimit(bps int64) error {
	deviceID, err := detectRootDevice()
	if err != nil {
		return fmt.Errorf("detect root device: %w", err)
	}

	return c.write("io.max", fmt.Sprintf("%s rbps=%d wbps=%d", deviceID, bps, bps))
}

// Join moves the process pid into the cgroup.
func (c *Cgroup) Join(pid int) error {
	if err := c.write("cgroup.procs", strconv.Itoa(pid)); err != nil {
		return fmt.Errorf("add process to cgroup: %w", err)
	}

	return nil
}

// Kill kills every process in the cgroup.
func (c *Cgroup) Kill() error {
	return c.write("cgroup.kill", "1")
}

// Destroy closes the cgroup directory and removes it.
func (c *Cgroup) Destroy() error {
	// Ignore error and just go ahead and remove.
	c.close()

	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		// Plain directories (non-cgroupfs roots) still contain the limit files.
		if err := os.RemoveAll(c.path); err != nil {
			return fmt.Errorf("remove cgroup: %w", err)
		}
	}

	return nil
}

func (c *Cgroup) close() error {
	if c.fd != nil {
		err := c.fd.Close()

		c.fd = nil

		if err != nil {
			return fmt.Errorf("close cgroup fd: %w", err)
		}
	}

	return nil
}

func (c *Cgroup) write(file, value string) error {
	path := filepath.Join(c.path, file)

	if err := os.WriteFile(path, []byte(value), 0644); err != nil {
		return fmt.Errorf("write %s: %w", file, err)
	}

	return nil
}

// FD returns the open cgroup directory, or nil when the cgroup does not live
// on the real cgroup mount.
func (c *Cgroup) FD() *os.File {
	return c.fd
}

func (c *Cgroup) Name() string {
	return c.name
}

func (c *Cgroup) Path() string {
	return c.path
}

func detectRootDevice() (string, error) {
	mountinfo, err := os.ReadFile(procMountinfo)
	if err != nil {
		return "", fmt.Errorf("read mountinfo: %w", err)
	}

	for line := range strings.SplitSeq(string(mountinfo), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}

		if fields[4] == "/" {
			return fields[2], nil
		}
	}

	return "", fmt.Errorf("detect root device in %s", procMountinfo)
}

func isRealCgroupRoot(root string) bool {
	return filepath.Clean(root) == DefaultRoot
}

// ValidateCgroupRoot checks root looks like a cgroup v2 mount.
func ValidateCgroupRoot(root string) error {
	controllersPath := filepath.Join(root, "cgroup.controllers")
	if _, err := os.Stat(controllersPath); err != nil {
		return fmt.Errorf("cgroup root not valid at %s: %w", root, err)
	}

	return nil
}
