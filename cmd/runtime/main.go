// Command runtime is the self-hosted agent execution runtime's host
// process: it wires together the IP/TAP Allocator, Firecracker Client, VM
// Lifecycle Manager, VM Registry, Egress Proxy, Job Executor, and Job
// Poller, then runs until terminated, matching the composition style of
// techsavvyash-aetherium's cmd/api-gateway/main.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/vm0core/runtime/pkg/adminapi"
	"github.com/vm0core/runtime/pkg/config"
	"github.com/vm0core/runtime/pkg/executor"
	"github.com/vm0core/runtime/pkg/firecracker"
	"github.com/vm0core/runtime/pkg/logging"
	"github.com/vm0core/runtime/pkg/logging/stdout"
	"github.com/vm0core/runtime/pkg/metrics"
	"github.com/vm0core/runtime/pkg/network"
	"github.com/vm0core/runtime/pkg/platform"
	"github.com/vm0core/runtime/pkg/poller"
	"github.com/vm0core/runtime/pkg/proxy"
	"github.com/vm0core/runtime/pkg/registry"
	"github.com/vm0core/runtime/pkg/secrets"
	"github.com/vm0core/runtime/pkg/storage"
)

func main() {
	configPath := flag.String("config", "/etc/vm0core/config.yaml", "path to runtime config")
	flag.Parse()

	log := stdout.New(true)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error(context.Background(), "load config failed", logging.Fields{"error": err.Error()})
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.Error(ctx, "runtime exited with error", logging.Fields{"error": err.Error()})
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log logging.Logger) error {
	allocator, err := network.NewAllocator(network.Config{
		SupernetCIDR:  cfg.Network.SupernetCIDR,
		NetnsPrefix:   cfg.Network.NetnsPrefix,
		TapPrefix:     cfg.Network.TapPrefix,
		HostInterface: cfg.Network.HostInterface,
	}, log)
	if err != nil {
		return fmt.Errorf("init network allocator: %w", err)
	}

	lifecycle := firecracker.NewManager(cfg.Firecracker.BinaryPath, allocator, log)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	reg := registry.New(registry.Config{
		SnapshotPath:  cfg.Runner.BaseDir + "/registry.json",
		RedisAddr:     cfg.Redis.Addr,
		RedisPassword: cfg.Redis.Password,
		RedisDB:       cfg.Redis.DB,
		MirrorTTL:     6 * time.Hour,
	}, log)

	promReg := metrics.New(prometheus.DefaultRegisterer)
	plat := platform.New(platform.Config{BaseURL: cfg.Platform.BaseURL})
	fetcher := storage.New(storage.Config{BaseURL: cfg.Platform.BaseURL})

	var sealer *secrets.Sealer
	if cfg.Secrets.MasterKeyHex != "" {
		sealer, err = secrets.NewSealer(cfg.Secrets.JWTSecretHex, cfg.Secrets.MasterKeyHex)
		if err != nil {
			return fmt.Errorf("init sealer: %w", err)
		}
	}

	onRecord := func(recCtx context.Context, rec proxy.NetworkLogRecord) {
		promReg.ObserveProxyConnection(string(rec.Action), string(rec.Mode), rec.BytesIn, rec.BytesOut)
		if err := plat.UploadNetworkLogs(recCtx, rec.RunID, []platform.NetworkLogRecord{{
			RunID: rec.RunID, Mode: string(rec.Mode), Action: string(rec.Action), Host: rec.Host, Port: rec.Port,
			Method: rec.Method, URL: rec.URL, Status: rec.Status, LatencyMs: rec.LatencyMs,
			BytesIn: rec.BytesIn, BytesOut: rec.BytesOut, Timestamp: rec.Timestamp,
		}}); err != nil {
			log.Warn(recCtx, "upload network log failed", logging.Fields{"error": err.Error()})
		}
	}

	proxySrv, err := proxy.NewServer(proxy.Config{
		ListenAddr: cfg.Network.ProxyAddr,
		CACertPath: cfg.Network.ProxyCACert,
		CAKeyPath:  cfg.Network.ProxyCAKey,
	}, reg, sealer, onRecord, log)
	if err != nil {
		return fmt.Errorf("init proxy: %w", err)
	}

	onOpMetric := func(m platform.SandboxOpMetric) {
		promReg.ObserveSandboxOp(m.ActionType, m.Success, float64(m.DurationMs)/1000)
	}

	exec := executor.New(executor.Config{
		PlatformBaseURL: cfg.Platform.BaseURL,
		VMBaseDir:       cfg.Runner.BaseDir,
		KernelPath:      cfg.Firecracker.KernelPath,
		BaseRootFSPath:  cfg.Firecracker.RootFSPath,
		InitPath:        "/sbin/vm0-init",
		VCPUCount:       cfg.Firecracker.VCPUCount,
		MemSizeMib:      cfg.Firecracker.MemSizeMib,
		OverlayMiB:      cfg.Firecracker.OverlayMiB,
		BootTimeout:     time.Duration(cfg.Firecracker.BootTimeout) * time.Second,
	}, lifecycle, reg, fetcher, plat, onOpMetric, log)

	p := poller.New(poller.Config{
		RunnerGroup:      cfg.Runner.RunnerGroup,
		MaxConcurrentVMs: cfg.Runner.MaxConcurrentVMs,
		PollInterval:     time.Duration(cfg.Platform.PollInterval) * time.Second,
		RedisAddr:        cfg.Redis.Addr,
		RedisPassword:    cfg.Redis.Password,
		RedisDB:          cfg.Redis.DB,
	}, plat, exec, log)

	admin := adminapi.New(adminapi.Config{
		ListenAddr:      cfg.Metrics.ListenAddr,
		FirecrackerPath: cfg.Firecracker.BinaryPath,
		RedisClient:     redisClient,
	}, reg, log)

	errCh := make(chan error, 3)
	go func() { errCh <- proxySrv.ListenAndServe(ctx) }()
	go func() { errCh <- admin.ListenAndServe(ctx) }()
	go func() { errCh <- p.Run(ctx) }()

	select {
	case <-ctx.Done():
		log.Info(ctx, "shutdown signal received", nil)
		return nil
	case err := <-errCh:
		return err
	}
}
