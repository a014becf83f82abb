package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/stayrace/internal/browser"
	"github.com/example/stayrace/internal/config"
	"github.com/example/stayrace/internal/crypto"
	"github.com/example/stayrace/internal/db"
	"github.com/example/stayrace/internal/decision"
	"github.com/example/stayrace/internal/lock"
	"github.com/example/stayrace/internal/logging"
	"github.com/example/stayrace/internal/memory"
	"github.com/example/stayrace/internal/migrate"
	"github.com/example/stayrace/internal/orchestrator"
	"github.com/example/stayrace/internal/requests"
	"github.com/example/stayrace/internal/retry"
	"github.com/example/stayrace/internal/session"
	"github.com/example/stayrace/internal/task"
	"github.com/example/stayrace/internal/traces"
)

func loadConfig(cmd *cobra.Command) (config.Config, *zap.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, err
	}
	log, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}

var errNoDatabase = errors.New("database_url is not configured (STAYRACE_DATABASE_URL)")

// store is the persistence side: present only when a database is configured.
type store struct {
	db       *db.DB
	requests *requests.Repo
	traces   *traces.Repo
}

func openStore(ctx context.Context, cfg config.Config, migrateUp bool) (*store, error) {
	if cfg.DatabaseURL == "" {
		return nil, errNoDatabase
	}
	d, err := db.Open(ctx, cfg.DatabaseURL, db.Options{})
	if err != nil {
		return nil, err
	}
	if err := d.Ping(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if migrateUp {
		if _, err := migrate.Up(ctx, d); err != nil {
			d.Close()
			return nil, err
		}
	}
	sealer, err := crypto.New(cfg.SealKey)
	if err != nil {
		d.Close()
		return nil, err
	}
	return &store{db: d, requests: requests.NewRepo(d, sealer), traces: traces.NewRepo(d)}, nil
}

func (s *store) Close() {
	if s != nil {
		s.db.Close()
	}
}

type engine struct {
	cfg      config.Config
	log      *zap.Logger
	store    *store
	browser  *browser.Factory
	pool     *session.Pool
	memory   *memory.Memory
	registry *prometheus.Registry
	metrics  *orchestrator.Metrics
	orch     *orchestrator.Orchestrator
	redis    *redis.Client
	gemini   *decision.GeminiReasoner
}

type engineOptions struct {
	migrate  bool
	observer task.Observer
}

// buildEngine assembles the orchestrator and everything behind it. Without a
// database the engine runs with in-memory history and no journal.
func buildEngine(ctx context.Context, cfg config.Config, log *zap.Logger, eo engineOptions) (_ *engine, err error) {
	e := &engine{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			e.Close(context.Background())
		}
	}()

	if cfg.DatabaseURL != "" {
		if e.store, err = openStore(ctx, cfg, eo.migrate); err != nil {
			return nil, err
		}
	} else {
		log.Warn("no database configured; history and request journal are in-memory only")
	}
	if cfg.EphemeralKeys {
		log.Warn("handle or seal keys missing; generated ephemeral keys (run `stayrace keys`)")
	}

	embedder, err := newEmbedder(cfg.Embedder)
	if err != nil {
		return nil, err
	}
	memCfg := memory.Config{Embedder: embedder, Logger: log}
	if e.store != nil {
		memCfg.Store = e.store.traces
	}
	if e.memory, err = memory.New(memCfg); err != nil {
		return nil, err
	}
	if n, err := e.memory.Load(ctx); err != nil {
		log.Warn("load attempt history", zap.Error(err))
	} else {
		log.Info("attempt history loaded", zap.Int("traces", n))
	}

	var reasoner decision.Reasoner = decision.Heuristic{AbandonAfter: cfg.Decision.AbandonAfter}
	if cfg.Decision.Provider == "gemini" {
		if e.gemini, err = decision.NewGeminiReasoner(ctx, cfg.Decision.APIKey, cfg.Decision.Model); err != nil {
			return nil, err
		}
		reasoner = e.gemini
	}
	adapter := decision.NewAdapter(reasoner, e.memory, decision.Config{
		MinConfidence: cfg.Decision.MinConfidence,
		HistorySize:   cfg.Decision.HistorySize,
		Rate:          cfg.Decision.Rate,
		Burst:         cfg.Decision.Burst,
	}, log)

	var locker lock.Locker = lock.NewLocal()
	if cfg.Redis.Addr != "" {
		e.redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		rl := lock.NewRedis(e.redis, "stayrace:lock:", log)
		if err := rl.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		locker = rl
	}

	rc := retry.New(retry.Policy{
		BaseDelay:    cfg.Retry.BaseDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		Jitter:       cfg.Retry.Jitter,
		MaxTransient: cfg.Retry.MaxTransient,
	})

	e.browser = browser.NewFactory(browser.Options{
		Headless:    cfg.Browser.Headless,
		ChromePath:  cfg.Browser.ChromePath,
		CDPURL:      cfg.Browser.CDPURL,
		UserDataDir: cfg.Browser.UserDataDir,
		UserAgent:   cfg.Browser.UserAgent,
	}, log)
	automation := browser.NewAutomation(browser.Config{
		BaseURL:    cfg.Browser.BaseURL,
		SearchPath: cfg.Browser.SearchPath,
		Timeout:    cfg.Browser.Timeout,
		SettleWait: cfg.Browser.SettleWait,
		Selectors:  cfg.Browser.Selectors,
		Markers:    cfg.Browser.Markers,
	}, log)

	if e.pool, err = session.New(ctx, e.browser, session.Options{
		Size:           cfg.Pool.Size,
		AcquireTimeout: cfg.Pool.AcquireTimeout,
		OpenTimeout:    cfg.Pool.OpenTimeout,
		Retry:          rc,
		Logger:         log,
	}); err != nil {
		return nil, err
	}

	e.registry = prometheus.NewRegistry()
	e.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	e.metrics = orchestrator.MustNewMetrics(e.registry, e.pool)

	var journal orchestrator.Journal
	if e.store != nil {
		journal = e.store.requests
	}
	tc := task.DefaultConfig()
	tc.PollInterval = cfg.Task.PollInterval
	tc.ScarcePollInterval = cfg.Task.ScarcePollInterval
	tc.AcquireTimeout = cfg.Pool.AcquireTimeout
	tc.AttemptTimeout = cfg.Task.AttemptTimeout
	tc.LockTTL = cfg.Task.LockTTL

	e.orch, err = orchestrator.New(orchestrator.Options{
		Sessions:        e.pool,
		Automation:      automation,
		Decider:         adapter,
		Recorder:        e.memory,
		Retry:           rc,
		Locker:          locker,
		Journal:         journal,
		Metrics:         e.metrics,
		Logger:          log,
		Observer:        eo.observer,
		Task:            tc,
		DefaultDeadline: cfg.Task.DefaultDeadline,
		MaxCandidates:   cfg.Task.MaxCandidates,
		Retention:       cfg.Task.Retention,
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

func newEmbedder(cfg config.Embedder) (memory.Embedder, error) {
	var base memory.Embedder
	switch cfg.Provider {
	case "openai":
		oe, err := memory.NewOpenAIEmbedder(memory.OpenAIConfig{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
			Timeout: cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		base = oe
	default:
		base = memory.NewHashEmbedder(cfg.Dim)
	}
	if cfg.CacheSize <= 0 {
		return base, nil
	}
	return memory.NewCachedEmbedder(base, cfg.CacheSize)
}

// Close stops the orchestrator first so tasks release their sessions.
func (e *engine) Close(ctx context.Context) {
	if e.orch != nil {
		if err := e.orch.Shutdown(ctx); err != nil {
			e.log.Warn("orchestrator shutdown", zap.Error(err))
		}
	}
	if e.pool != nil {
		_ = e.pool.Close()
	}
	if e.browser != nil {
		e.browser.Close()
	}
	if e.gemini != nil {
		_ = e.gemini.Close()
	}
	if e.redis != nil {
		_ = e.redis.Close()
	}
	e.store.Close()
}

func (e *engine) health(ctx context.Context) error {
	if e.store != nil {
		if err := e.store.db.Ping(ctx); err != nil {
			return fmt.Errorf("db: %w", err)
		}
	}
	if e.redis != nil {
		if err := e.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	if e.pool.Stats().Capacity == 0 {
		return errors.New("no browser sessions left")
	}
	return nil
}
