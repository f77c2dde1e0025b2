package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/foundry/internal/alert"
	"github.com/basket/foundry/internal/bus"
	"github.com/basket/foundry/internal/config"
	"github.com/basket/foundry/internal/evidence"
	"github.com/basket/foundry/internal/gateway"
	"github.com/basket/foundry/internal/orchestrator"
	otelPkg "github.com/basket/foundry/internal/otel"
	"github.com/basket/foundry/internal/provider"
	"github.com/basket/foundry/internal/store"
	"github.com/basket/foundry/internal/telemetry"
	"github.com/basket/foundry/internal/worker"
	"github.com/google/uuid"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	loadDotEnv(".env")

	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println("foundryd", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())
	if host, _, splitErr := net.SplitHostPort(cfg.BindAddr); splitErr == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected",
				"bind_addr", cfg.BindAddr)
		}
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	go otelPkg.NewRecorder(eventBus, metrics).Run(ctx)

	dbPath := filepath.Join(cfg.HomeDir, "foundry.db")
	st, err := store.Open(dbPath, eventBus, store.Options{
		LeaseDuration: cfg.LeaseTimeout(),
		Retry: store.RetryPolicy{
			BaseDelay: cfg.RetryBaseDelay(),
			MaxDelay:  cfg.RetryMaxDelay(),
		},
		MaxAttempts: maxAttemptsByStage(cfg),
	})
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", dbPath)

	base, err := provider.NewLLM(provider.Config{
		Provider:  cfg.Provider.Provider,
		Model:     cfg.Provider.Model,
		BaseURL:   cfg.Provider.BaseURL,
		APIKeyEnv: cfg.Provider.APIKeyEnv,
		Timeout:   time.Duration(cfg.Provider.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		fatalStartup(logger, "E_PROVIDER_INIT", err)
	}
	prov := provider.NewRetrier(base, cfg.Provider.RetryLimit)
	logger.Info("startup phase", "phase", "provider_ready", "provider", base.Name())

	pool := worker.NewPool(func(id, role string) (worker.Runner, error) {
		if role == worker.RoleOracle {
			o := worker.NewOracle(id, st, eventBus, prov, logger)
			o.PollInterval = cfg.PollInterval()
			o.HeartbeatInterval = cfg.HeartbeatInterval()
			return o, nil
		}
		stage, err := worker.StageForRole(role)
		if err != nil {
			return nil, err
		}
		return worker.New(worker.Options{
			ID:                id,
			Role:              role,
			PollInterval:      cfg.PollInterval(),
			HeartbeatInterval: cfg.HeartbeatInterval(),
			Rules:             stageRules(cfg, string(stage)),
			OracleTimeout:     time.Duration(cfg.Oracle.TimeoutSeconds) * time.Second,
			Fallbacks:         cfg.Oracle.Fallbacks,
			CostPer1K:         cfg.Provider.CostPer1KUSD,
		}, st, eventBus, prov, logger)
	}, logger)

	orch := orchestrator.New(orchestrator.Options{
		ReclaimInterval:     cfg.ReclaimInterval(),
		MetricsInterval:     time.Duration(cfg.MetricsIntervalSeconds) * time.Second,
		HeartbeatInterval:   cfg.HeartbeatInterval(),
		MaxMissedHeartbeats: cfg.SupervisorMaxMissed,
		MaintenanceSpec:     cfg.MaintenanceCron,
		EvidenceRetention:   time.Duration(cfg.EvidenceRetentionDays) * 24 * time.Hour,
		EventRetention:      time.Duration(cfg.EventRetentionDays) * 24 * time.Hour,
	}, st, eventBus, pool, logger)
	if err := orch.Start(ctx); err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	defer orch.Stop()
	logger.Info("startup phase", "phase", "orchestrator_started")

	if err := pool.Start(ctx, rolesByCount(cfg)); err != nil {
		fatalStartup(logger, "E_WORKER_POOL_START", err)
	}
	logger.Info("startup phase", "phase", "workers_started")

	if cfg.Telegram.Enabled {
		if cfg.Telegram.Token == "" {
			logger.Warn("telegram alerts enabled but token is missing")
		} else {
			notifier, err := alert.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID, eventBus, logger)
			if err != nil {
				logger.Error("telegram notifier init failed", "error", err)
			} else {
				go notifier.Run(ctx)
			}
		}
	}

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		fingerprint := cfg.Fingerprint()
		for ev := range confWatcher.Events() {
			if filepath.Base(ev.Path) != "config.yaml" {
				continue
			}
			newCfg, err := config.Load()
			if err != nil {
				logger.Error("config.yaml reload failed", "error", err)
				continue
			}
			st.SetRetryPolicy(store.RetryPolicy{
				BaseDelay: newCfg.RetryBaseDelay(),
				MaxDelay:  newCfg.RetryMaxDelay(),
			})
			if fp := newCfg.Fingerprint(); fp != fingerprint {
				logger.Info("config.yaml hot-reloaded", "fingerprint", fp)
				fingerprint = fp
			}
		}
	}()

	authToken, err := loadAuthToken(cfg.HomeDir)
	if err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
	}

	gw, err := gateway.New(gateway.Config{
		Store:             st,
		Bus:               eventBus,
		Metrics:           orch,
		AuthToken:         authToken,
		AllowOrigins:      cfg.AllowOrigins,
		MaxQueueDepth:     cfg.MaxQueueDepth,
		ConfigFingerprint: cfg.Fingerprint(),
		Logger:            logger,
	})
	if err != nil {
		fatalStartup(logger, "E_GATEWAY_INIT", err)
	}

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/v1/events")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Shutdown order: stop intake first, then drain the worker fleet and
	// control loops. Leases held by interrupted attempts expire and are
	// reclaimed on the next startup.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	stop()
	pool.Wait()
	logger.Info("shutdown complete")
}

// rolesByCount flattens the configured role list into the pool's fleet map.
func rolesByCount(cfg config.Config) map[string]int {
	out := make(map[string]int, len(cfg.Roles))
	for _, rc := range cfg.Roles {
		if rc.Role == "" || rc.Count <= 0 {
			continue
		}
		out[rc.Role] = rc.Count
	}
	return out
}

// maxAttemptsByStage converts the per-stage config into store options.
func maxAttemptsByStage(cfg config.Config) map[store.Stage]int {
	out := make(map[store.Stage]int, len(cfg.Stages))
	for name, sc := range cfg.Stages {
		stage, err := store.ParseStage(name)
		if err != nil {
			continue
		}
		out[stage] = sc.MaxAttempts
	}
	return out
}

// stageRules converts configured predicate rules into evidence predicates.
func stageRules(cfg config.Config, stage string) []evidence.Predicate {
	sc, ok := cfg.Stages[strings.ToUpper(stage)]
	if !ok {
		return nil
	}
	rules := make([]evidence.Predicate, 0, len(sc.Rules))
	for _, r := range sc.Rules {
		rules = append(rules, evidence.Predicate{
			Key:    r.Key,
			Kind:   r.Kind,
			Equals: r.Equals,
			Min:    r.Min,
		})
	}
	return rules
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"foundryd","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

// loadAuthToken resolves the gateway bearer token: env override first,
// then the persisted auth.token file, generating one on first run.
func loadAuthToken(homeDir string) (string, error) {
	if raw := strings.TrimSpace(os.Getenv("FOUNDRY_AUTH_TOKEN")); raw != "" {
		return raw, nil
	}
	tokenPath := filepath.Join(homeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}
