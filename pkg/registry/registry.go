// Package registry implements the VM Registry (spec §4.5): the in-memory
// map the Egress Proxy consults on every connection to identify which VM
// (and which firewall policy) a source IP belongs to, mirrored to a JSON
// snapshot (reloaded on start, so it survives a proxy restart) and to
// Redis.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vm0core/runtime/pkg/execctx"
	"github.com/vm0core/runtime/pkg/logging"
)

// Entry is what the Egress Proxy needs to evaluate and log one VM's
// traffic: its run identity and firewall policy.
type Entry struct {
	VMID         string                  `json:"vmId"`
	RunID        string                  `json:"runId"`
	SandboxToken string                  `json:"sandboxToken"`
	Firewall     *execctx.FirewallPolicy `json:"firewall"`
	CreatedAt    time.Time               `json:"createdAt"`
}

// Config configures the JSON snapshot path and Redis mirror.
type Config struct {
	SnapshotPath  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	MirrorTTL     time.Duration
}

// Registry is a single mutex-guarded map from vethNsIp to Entry, mirrored
// best-effort to a JSON file and to Redis. The in-memory map is always the
// source of truth. New reloads the JSON snapshot so a restarted proxy
// recovers its view (spec §4.5); the Redis copy is written and deleted but
// never read back by this package.
type Registry struct {
	mu   sync.RWMutex
	data map[string]Entry

	snapshotPath string
	redisClient  *redis.Client
	mirrorTTL    time.Duration
	log          logging.Logger
}

// New builds a Registry, loading any existing snapshot and connecting to
// Redis (connection failure is logged, not fatal: the in-memory map still
// works standalone).
func New(cfg Config, log logging.Logger) *Registry {
	r := &Registry{
		data:         make(map[string]Entry),
		snapshotPath: cfg.SnapshotPath,
		mirrorTTL:    cfg.MirrorTTL,
		log:          log,
	}

	if cfg.RedisAddr != "" {
		r.redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	}

	r.loadSnapshot()
	return r
}

// Register adds or replaces the entry for ip. Mirrors are best-effort and
// never block the caller on failure.
func (r *Registry) Register(ctx context.Context, ip string, entry Entry) error {
	entry.CreatedAt = time.Now()

	r.mu.Lock()
	r.data[ip] = entry
	r.mu.Unlock()

	r.saveSnapshot()
	r.mirrorToRedis(ctx, ip, entry)
	return nil
}

// Unregister removes the entry for ip. Idempotent: unregistering a
// missing key is not an error (spec §4.5 invariant).
func (r *Registry) Unregister(ctx context.Context, ip string) error {
	r.mu.Lock()
	_, existed := r.data[ip]
	delete(r.data, ip)
	r.mu.Unlock()

	if existed {
		r.saveSnapshot()
	}
	if r.redisClient != nil {
		if err := r.redisClient.Del(ctx, redisKey(ip)).Err(); err != nil {
			r.log.Warn(ctx, "redis unregister failed", logging.Fields{"ip": ip, "error": err.Error()})
		}
	}
	return nil
}

// Lookup returns the entry for ip and whether it exists.
func (r *Registry) Lookup(ip string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.data[ip]
	return e, ok
}

// All returns a snapshot copy of the full table, e.g. for the admin
// surface's /debug/registry endpoint.
func (r *Registry) All() map[string]Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Entry, len(r.data))
	for k, v := range r.data {
		out[k] = v
	}
	return out
}

func (r *Registry) saveSnapshot() {
	if r.snapshotPath == "" {
		return
	}

	r.mu.RLock()
	data, err := json.Marshal(r.data)
	r.mu.RUnlock()
	if err != nil {
		r.log.Warn(context.Background(), "marshal registry snapshot failed", logging.Fields{"error": err.Error()})
		return
	}

	tmp := r.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		r.log.Warn(context.Background(), "write registry snapshot failed", logging.Fields{"error": err.Error()})
		return
	}
	if err := os.Rename(tmp, r.snapshotPath); err != nil {
		r.log.Warn(context.Background(), "rename registry snapshot failed", logging.Fields{"error": err.Error()})
	}
}

func (r *Registry) loadSnapshot() {
	if r.snapshotPath == "" {
		return
	}
	data, err := os.ReadFile(r.snapshotPath)
	if err != nil {
		return
	}
	var loaded map[string]Entry
	if err := json.Unmarshal(data, &loaded); err != nil {
		r.log.Warn(context.Background(), "decode registry snapshot failed", logging.Fields{"error": err.Error()})
		return
	}
	r.mu.Lock()
	r.data = loaded
	r.mu.Unlock()
}

func (r *Registry) mirrorToRedis(ctx context.Context, ip string, entry Entry) {
	if r.redisClient == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := r.redisClient.Set(ctx, redisKey(ip), data, r.mirrorTTL).Err(); err != nil {
		r.log.Warn(ctx, "redis mirror failed", logging.Fields{"ip": ip, "error": err.Error()})
	}
}

func redisKey(ip string) string {
	return fmt.Sprintf("vm0core:registry:%s", ip)
}
