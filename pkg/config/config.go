// Package config holds the runtime's static configuration, loaded from a
// YAML file the way the teacher's pkg/config/config.go does.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the runtime host process.
type Config struct {
	Runner      RunnerConfig      `yaml:"runner"`
	Firecracker FirecrackerConfig `yaml:"firecracker"`
	Network     NetworkConfig     `yaml:"network"`
	Platform    PlatformConfig    `yaml:"platform"`
	Redis       RedisConfig       `yaml:"redis"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Secrets     SecretsConfig     `yaml:"secrets"`
}

// RunnerConfig identifies this host and bounds its concurrency.
type RunnerConfig struct {
	RunnerGroup      string `yaml:"runner_group"`
	MaxConcurrentVMs int    `yaml:"max_concurrent_vms"`
	BaseDir          string `yaml:"base_dir"`
}

// FirecrackerConfig points at the boot artifacts every VM shares.
type FirecrackerConfig struct {
	BinaryPath  string `yaml:"binary_path"`
	KernelPath  string `yaml:"kernel_path"`
	RootFSPath  string `yaml:"rootfs_path"` // shared read-only squashfs base
	VCPUCount   int64  `yaml:"vcpu_count"`
	MemSizeMib  int64  `yaml:"mem_size_mib"`
	OverlayMiB  int64  `yaml:"overlay_mib"`
	BootTimeout int    `yaml:"boot_timeout_seconds"`
}

// NetworkConfig controls the IP/TAP allocator and egress proxy.
type NetworkConfig struct {
	SupernetCIDR  string `yaml:"supernet_cidr"` // e.g. 10.200.0.0/16, split into /30s
	NetnsPrefix   string `yaml:"netns_prefix"`
	TapPrefix     string `yaml:"tap_prefix"`
	HostInterface string `yaml:"host_interface"` // empty = auto-detect default route
	ProxyAddr     string `yaml:"proxy_addr"`
	ProxyCACert   string `yaml:"proxy_ca_cert"`
	ProxyCAKey    string `yaml:"proxy_ca_key"`
}

// PlatformConfig is the out-of-scope platform API this host polls and reports to.
type PlatformConfig struct {
	BaseURL      string `yaml:"base_url"`
	PollInterval int    `yaml:"poll_interval_seconds"`
}

// RedisConfig backs the bounded job queue and the registry mirror.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MetricsConfig controls the admin/metrics HTTP surface.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// SecretsConfig carries the material used to seal/unseal proxy tokens.
type SecretsConfig struct {
	MasterKeyHex string `yaml:"master_key_hex"` // 32 bytes hex-encoded, AES-256-GCM key
	JWTSecretHex string `yaml:"jwt_secret_hex"`
}

// Load reads and parses a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}

// Default returns a configuration with sane, non-production defaults.
func Default() *Config {
	return &Config{
		Runner: RunnerConfig{
			RunnerGroup:      "default/default",
			MaxConcurrentVMs: 8,
			BaseDir:          "/var/lib/vm0core/vms",
		},
		Firecracker: FirecrackerConfig{
			BinaryPath:  "/usr/local/bin/firecracker",
			VCPUCount:   2,
			MemSizeMib:  1024,
			OverlayMiB:  2048,
			BootTimeout: 10,
		},
		Network: NetworkConfig{
			SupernetCIDR: "10.200.0.0/16",
			NetnsPrefix:  "vm0ns-",
			TapPrefix:    "vm0tap-",
			ProxyAddr:    "127.0.0.1:3128",
		},
		Platform: PlatformConfig{
			PollInterval: 2,
		},
		Redis: RedisConfig{
			Addr: "127.0.0.1:6379",
		},
		Metrics: MetricsConfig{
			ListenAddr: "127.0.0.1:9090",
		},
	}
}
