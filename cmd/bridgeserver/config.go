package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"time"

	"github.com/nixpig/jobbridge/internal/jobstore"
	"github.com/nixpig/jobbridge/internal/supervisor/cgroups"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	storeMemory = "memory"
	storeRedis  = "redis"
)

type tlsFiles struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
	CA   string `yaml:"ca"`
}

type workerConfig struct {
	Program string   `yaml:"program"`
	Args    []string `yaml:"args"`
	Dir     string   `yaml:"dir"`
	Env     []string `yaml:"env"`
}

type storeConfig struct {
	Backend   string               `yaml:"backend"`
	TTL       time.Duration        `yaml:"ttl"`
	KeyPrefix string               `yaml:"key_prefix"`
	Redis     jobstore.RedisConfig `yaml:"redis"`
}

type cgroupConfig struct {
	Root   string                 `yaml:"root"`
	Limits cgroups.ResourceLimits `yaml:"limits"`
}

type config struct {
	GRPCAddr        string        `yaml:"grpc_addr"`
	HTTPAddr        string        `yaml:"http_addr"`
	TLS             tlsFiles      `yaml:"tls"`
	Worker          workerConfig  `yaml:"worker"`
	Store           storeConfig   `yaml:"store"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	Cgroup          cgroupConfig  `yaml:"cgroup"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Debug           bool          `yaml:"debug"`
}

func defaultConfig() config {
	return config{
		GRPCAddr: "localhost:8443",
		HTTPAddr: "localhost:8080",
		Store: storeConfig{
			Backend:   storeMemory,
			TTL:       jobstore.DefaultTTL,
			KeyPrefix: jobstore.DefaultKeyPrefix,
			Redis:     jobstore.RedisConfig{Addr: "localhost:6379"},
		},
		CORSOrigins:     []string{"*"},
		ShutdownTimeout: 10 * time.Second,
	}
}

func (c *config) bindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.GRPCAddr, "grpc-addr", c.GRPCAddr, "gRPC listen address, empty to disable")
	fs.StringVar(&c.HTTPAddr, "http-addr", c.HTTPAddr, "HTTP listen address, empty to disable")

	fs.StringVar(&c.TLS.Cert, "server-cert", c.TLS.Cert, "Path to gRPC server certificate")
	fs.StringVar(&c.TLS.Key, "server-key", c.TLS.Key, "Path to gRPC server private key")
	fs.StringVar(&c.TLS.CA, "ca-cert", c.TLS.CA, "Path to CA certificate for client verification")

	fs.StringVar(&c.Worker.Program, "worker", c.Worker.Program, "Worker program to run for each job")
	fs.StringSliceVar(&c.Worker.Args, "worker-arg", c.Worker.Args, "Worker argument (repeatable)")
	fs.StringVar(&c.Worker.Dir, "worker-dir", c.Worker.Dir, "Worker working directory")
	fs.StringSliceVar(&c.Worker.Env, "worker-env", c.Worker.Env, "Extra worker environment KEY=VALUE (repeatable)")

	fs.StringVar(&c.Store.Backend, "store", c.Store.Backend, "Job store backend: memory or redis")
	fs.DurationVar(&c.Store.TTL, "job-ttl", c.Store.TTL, "How long an unclaimed job is kept")
	fs.StringVar(&c.Store.KeyPrefix, "redis-prefix", c.Store.KeyPrefix, "Redis key prefix for job records")
	fs.StringVar(&c.Store.Redis.Addr, "redis-addr", c.Store.Redis.Addr, "Redis address")
	fs.StringVar(&c.Store.Redis.Password, "redis-password", c.Store.Redis.Password, "Redis password")
	fs.IntVar(&c.Store.Redis.DB, "redis-db", c.Store.Redis.DB, "Redis database")

	fs.StringSliceVar(&c.CORSOrigins, "cors-origin", c.CORSOrigins, "Allowed CORS origin (repeatable)")

	fs.StringVar(&c.Cgroup.Root, "cgroup-root", c.Cgroup.Root, "Place workers in cgroups under this root")
	fs.Int64Var(&c.Cgroup.Limits.CPUMaxPercent, "cpu-max-percent", c.Cgroup.Limits.CPUMaxPercent, "Worker CPU limit in percent of one CPU")
	fs.Int64Var(&c.Cgroup.Limits.MemoryMaxBytes, "memory-max-bytes", c.Cgroup.Limits.MemoryMaxBytes, "Worker memory limit in bytes")

	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "Time allowed for graceful shutdown")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "Enable debug logs")
}

// loadConfig builds the effective configuration: defaults, then the YAML file
// at path if any, then every flag explicitly set in fs, read from flags.
func loadConfig(path string, flags *config, fs *pflag.FlagSet) (config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return config{}, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	overrides := map[string]func(){
		"grpc-addr":        func() { cfg.GRPCAddr = flags.GRPCAddr },
		"http-addr":        func() { cfg.HTTPAddr = flags.HTTPAddr },
		"server-cert":      func() { cfg.TLS.Cert = flags.TLS.Cert },
		"server-key":       func() { cfg.TLS.Key = flags.TLS.Key },
		"ca-cert":          func() { cfg.TLS.CA = flags.TLS.CA },
		"worker":           func() { cfg.Worker.Program = flags.Worker.Program },
		"worker-arg":       func() { cfg.Worker.Args = flags.Worker.Args },
		"worker-dir":       func() { cfg.Worker.Dir = flags.Worker.Dir },
		"worker-env":       func() { cfg.Worker.Env = flags.Worker.Env },
		"store":            func() { cfg.Store.Backend = flags.Store.Backend },
		"job-ttl":          func() { cfg.Store.TTL = flags.Store.TTL },
		"redis-prefix":     func() { cfg.Store.KeyPrefix = flags.Store.KeyPrefix },
		"redis-addr":       func() { cfg.Store.Redis.Addr = flags.Store.Redis.Addr },
		"redis-password":   func() { cfg.Store.Redis.Password = flags.Store.Redis.Password },
		"redis-db":         func() { cfg.Store.Redis.DB = flags.Store.Redis.DB },
		"cors-origin":      func() { cfg.CORSOrigins = flags.CORSOrigins },
		"cgroup-root":      func() { cfg.Cgroup.Root = flags.Cgroup.Root },
		"cpu-max-percent":  func() { cfg.Cgroup.Limits.CPUMaxPercent = flags.Cgroup.Limits.CPUMaxPercent },
		"memory-max-bytes": func() { cfg.Cgroup.Limits.MemoryMaxBytes = flags.Cgroup.Limits.MemoryMaxBytes },
		"shutdown-timeout": func() { cfg.ShutdownTimeout = flags.ShutdownTimeout },
		"debug":            func() { cfg.Debug = flags.Debug },
	}

	fs.Visit(func(f *pflag.Flag) {
		if apply, ok := overrides[f.Name]; ok {
			apply()
		}
	})

	return cfg, nil
}

func (c *config) validate() error {
	if c.Worker.Program == "" {
		return errors.New("worker program cannot be empty")
	}

	if c.GRPCAddr == "" && c.HTTPAddr == "" {
		return errors.New("at least one of grpc-addr and http-addr is required")
	}

	for name, addr := range map[string]string{
		"grpc-addr": c.GRPCAddr,
		"http-addr": c.HTTPAddr,
	} {
		if addr == "" {
			continue
		}

		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, addr, err)
		}
	}

	if !slices.Contains([]string{storeMemory, storeRedis}, c.Store.Backend) {
		return fmt.Errorf("unknown store backend '%s'", c.Store.Backend)
	}

	if c.Store.Backend == storeRedis && c.Store.Redis.Addr == "" {
		return errors.New("redis-addr cannot be empty with the redis store")
	}

	if c.TLS.CA != "" && (c.TLS.Cert == "" || c.TLS.Key == "") {
		return errors.New("ca-cert requires server-cert and server-key")
	}

	if (c.TLS.Cert == "") != (c.TLS.Key == "") {
		return errors.New("server-cert and server-key must be set together")
	}

	for _, path := range []string{c.TLS.Cert, c.TLS.Key, c.TLS.CA} {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("failed to stat '%s': %w", path, err)
		}
	}

	if c.ShutdownTimeout < 0 {
		return errors.New("shutdown-timeout cannot be negative")
	}

	return nil
}
