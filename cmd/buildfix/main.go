package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"buildfix/internal/analyzer"
	"buildfix/internal/api"
	"buildfix/internal/buildloop"
	"buildfix/internal/cache"
	"buildfix/internal/config"
	"buildfix/internal/coordinator"
	"buildfix/internal/events"
	"buildfix/internal/executor"
	"buildfix/internal/lock"
	"buildfix/internal/logging"
	"buildfix/internal/store"
	"buildfix/internal/strategy"
)

func main() {
	logging.Init()
	defer logging.Sync()
	log := logging.L()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	registry, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to open registry database", zap.Error(err))
	}

	exec := executor.New(cfg.ExecTimeout, cfg.KillGrace)

	cacheStore, err := buildCacheStore(cfg)
	if err != nil {
		log.Fatal("failed to initialize execution cache store", zap.Error(err))
	}
	execCache := cache.New(cacheStore, &execAgentRunner{exec: exec}, cfg.CacheTTL)

	locks := lock.NewManager(registry)

	hub := events.NewHub()
	go hub.Run()

	remote, err := buildRemoteTransport()
	if err != nil {
		log.Fatal("failed to initialize ssh transport", zap.Error(err))
	}
	local := coordinator.NewLocalTransport(&cachedTaskRunner{cache: execCache})

	coord := coordinator.New(cfg.HeartbeatStaleness, local, remote,
		coordinator.WithRegistry(registry),
		coordinator.WithPublisher(hub),
		coordinator.WithLockManager(locks),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	coord.StartHeartbeatLoop(ctx, cfg.HeartbeatInterval)

	a := analyzer.New(analyzer.WithFixability(strategy.Fixable))
	sampler := analyzer.NewSampler(cfg.SamplingThreshold, cfg.SampleSize)

	snapshots, err := buildSnapshotStore(ctx, cfg)
	if err != nil {
		log.Fatal("failed to initialize snapshot store", zap.Error(err))
	}
	loop := buildloop.New(exec, a, snapshots)

	server := api.New(a, sampler, coord, hub,
		api.WithValidateLoop(loop),
		api.WithDefaultCapacity(cfg.DefaultCapacity))
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("buildfix engine listening", zap.String("port", cfg.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()

	select {
	case err := <-serverErrors:
		log.Error("http server failed", zap.Error(err))
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}

	coord.Drain()
	hub.Shutdown()
	log.Info("buildfix engine stopped")
}

func buildCacheStore(cfg *config.Config) (cache.Store, error) {
	if cfg.RedisURL == "" {
		logging.L().Info("using in-memory execution cache")
		return cache.NewMemoryStore(), nil
	}
	logging.L().Info("using redis execution cache")
	return cache.NewRedisStore(cfg.RedisURL)
}

func buildSnapshotStore(ctx context.Context, cfg *config.Config) (buildloop.SnapshotStore, error) {
	if cfg.SnapshotS3Bucket != "" {
		logging.L().Info("using s3 snapshot store",
			zap.String("bucket", cfg.SnapshotS3Bucket),
			zap.String("region", cfg.SnapshotS3Region))
		return buildloop.NewS3SnapshotStore(ctx, cfg.SnapshotS3Bucket, cfg.SnapshotS3Region)
	}
	return buildloop.NewLocalSnapshotStore(cfg.SnapshotDir)
}

// buildRemoteTransport configures SSH dispatch from SSH_USER and
// SSH_KEY_FILE. Without them remote workers cannot be dispatched to and
// every remote send fails cleanly.
func buildRemoteTransport() (coordinator.Transport, error) {
	user := os.Getenv("SSH_USER")
	keyFile := os.Getenv("SSH_KEY_FILE")
	if user == "" || keyFile == "" {
		logging.L().Info("ssh transport not configured, remote dispatch disabled")
		return unavailableTransport{}, nil
	}

	key, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh key %s: %w", keyFile, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh key: %w", err)
	}
	return coordinator.NewSSHTransport(user, signer, nil), nil
}

// unavailableTransport rejects every remote operation.
type unavailableTransport struct{}

var errNoRemoteTransport = errors.New("remote transport not configured")

func (unavailableTransport) Send(context.Context, coordinator.Payload) (*coordinator.Handle, error) {
	return nil, errNoRemoteTransport
}

func (unavailableTransport) Await(context.Context, *coordinator.Handle) (string, error) {
	return "", errNoRemoteTransport
}

func (unavailableTransport) Probe(context.Context, string) error {
	return errNoRemoteTransport
}

// execAgentRunner executes agent argv through the process executor. The
// agent name scopes cache entries; args carry the actual command line.
type execAgentRunner struct {
	exec *executor.Executor
}

func (r *execAgentRunner) RunAgent(ctx context.Context, agentName string, args []string) ([]byte, []byte, int, error) {
	if len(args) == 0 {
		return nil, nil, 0, fmt.Errorf("agent %s: empty command", agentName)
	}
	res, err := r.exec.Run(ctx, "", args[0], args[1:]...)
	if err != nil {
		return nil, nil, 0, err
	}
	return res.Stdout, res.Stderr, res.ExitCode, nil
}

// cachedTaskRunner runs locally dispatched task content as a shell
// command through the execution cache, so repeated identical fix tasks
// replay without re-running the agent.
type cachedTaskRunner struct {
	cache *cache.Cache
}

func (r *cachedTaskRunner) RunTask(ctx context.Context, content string) (string, error) {
	name := "task"
	if fields := strings.Fields(content); len(fields) > 0 {
		name = fields[0]
	}

	entry, err := r.cache.ExecuteCached(ctx, name,
		cache.ContextInputs{BuildOutput: []byte(content), TotalErrors: -1},
		[]string{"sh", "-c", content})
	if err != nil {
		return "", err
	}
	if entry.ExitCode != 0 {
		return string(entry.Stdout), fmt.Errorf("task agent %s exited %d: %s",
			name, entry.ExitCode, strings.TrimSpace(string(entry.Stderr)))
	}
	return string(entry.Stdout), nil
}
