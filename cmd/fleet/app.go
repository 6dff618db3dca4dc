package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ShayCichocki/fleet/internal/admission"
	"github.com/ShayCichocki/fleet/internal/agent"
	"github.com/ShayCichocki/fleet/internal/breaker"
	"github.com/ShayCichocki/fleet/internal/clock"
	"github.com/ShayCichocki/fleet/internal/config"
	"github.com/ShayCichocki/fleet/internal/gateway"
	"github.com/ShayCichocki/fleet/internal/heartbeat"
	"github.com/ShayCichocki/fleet/internal/ledger"
	"github.com/ShayCichocki/fleet/internal/metrics"
	"github.com/ShayCichocki/fleet/internal/monitor"
	"github.com/ShayCichocki/fleet/internal/pricing"
	"github.com/ShayCichocki/fleet/internal/retrieval"
	"github.com/ShayCichocki/fleet/internal/state"
	"github.com/ShayCichocki/fleet/internal/tools"
	"github.com/ShayCichocki/fleet/pkg/models"
)

// app holds the collaborators shared by the subcommands.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	clock   clock.Clock

	agents  []*models.Agent
	ledger  ledger.Ledger
	breaker *breaker.Registry
	ctrl    *admission.Controller
	beats   *heartbeat.Store

	db   *state.DB
	pool *pgxpool.Pool
}

// newApp loads the roster and builds the admission controller over the
// configured ledger backend.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	agents, err := config.LoadAgents(cfg.AgentsPath(), cfg.Loop.MaxIterations)
	if err != nil {
		return nil, fmt.Errorf("loading agents: %w", err)
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
		clock:   clock.Real(),
		agents:  agents,
		beats:   heartbeat.NewStore(cfg.HeartbeatDir()),
	}

	switch cfg.Storage.LedgerBackend {
	case config.LedgerPostgres:
		pool, err := pgxpool.New(ctx, cfg.Storage.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("pinging postgres: %w", err)
		}
		a.pool = pool
		a.ledger = ledger.NewPostgresLedger(pool, logger)
	default:
		a.ledger = ledger.NewFileLedger(cfg.LedgerDir(), logger)
	}

	a.breaker = breaker.NewRegistry(cfg.BreakerPath(), breaker.Config{
		Threshold: cfg.Budget.BreakerThreshold,
		Window:    cfg.Budget.BreakerWindow,
		Cooldown:  cfg.Budget.BreakerCooldown,
	}, a.clock, logger)

	a.ctrl, err = admission.New(admission.Config{
		MonthlyCapUSD: cfg.Budget.MonthlyCapUSD,
		Agents:        agents,
		Ledger:        a.ledger,
		Breaker:       a.breaker,
		Pricing:       pricing.NewCalculator(cfg.PricingTable()),
		Clock:         a.clock,
		Metrics:       a.metrics,
		Logger:        logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// openDB opens and migrates the sqlite state database once.
func (a *app) openDB() (*state.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	db, err := state.OpenWithDriver(a.cfg.Storage.SQLiteDriver, a.cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	a.db = db
	return db, nil
}

// embedder returns the genai embedder, or nil when the keyword provider
// is configured.
func (a *app) embedder(ctx context.Context) (retrieval.Embedder, error) {
	if a.cfg.Retrieval.Provider != config.RetrievalGenAI {
		return nil, nil
	}
	key, err := config.GetGeminiKey(a.cfg)
	if err != nil {
		return nil, err
	}
	emb, err := retrieval.NewGenAIEmbedder(ctx, key, a.cfg.Retrieval.GenAIModel)
	if err != nil {
		return nil, err
	}
	return emb, nil
}

func (a *app) retriever(ctx context.Context, db *state.DB) (retrieval.Retriever, error) {
	emb, err := a.embedder(ctx)
	if err != nil {
		return nil, err
	}
	if emb == nil {
		return retrieval.NewKeyword(db), nil
	}
	return retrieval.NewSemantic(db, emb, a.cfg.Retrieval.MinScore, a.logger), nil
}

// runner wires the execution loop: gateway, tools, retrieval, history and
// heartbeats.
func (a *app) runner(ctx context.Context) (*agent.Runner, error) {
	apiKey := ""
	if !a.cfg.Anthropic.Bedrock {
		key, err := config.GetAPIKey(a.cfg)
		if err != nil {
			return nil, err
		}
		apiKey = key
	}
	gw, err := gateway.NewAnthropic(ctx, gateway.AnthropicConfig{
		APIKey:        apiKey,
		UseAWSBedrock: a.cfg.Anthropic.Bedrock,
		AWSRegion:     a.cfg.Anthropic.AWSRegion,
		AWSProfile:    a.cfg.Anthropic.AWSProfile,
		BaseURL:       a.cfg.Anthropic.BaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gateway: %w", err)
	}

	db, err := a.openDB()
	if err != nil {
		return nil, err
	}
	ret, err := a.retriever(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("creating retriever: %w", err)
	}

	registry := tools.NewRegistry(a.logger, a.metrics)
	if err := tools.RegisterBuiltins(registry, tools.Builtins{
		Clock:      a.clock,
		Retriever:  ret,
		MaxResults: a.cfg.Retrieval.MaxResults,
		Snapshots:  a.ctrl,
	}); err != nil {
		return nil, err
	}

	return agent.NewRunner(agent.Config{
		Admission:  a.ctrl,
		Gateway:    gw,
		Tools:      registry,
		Retriever:  ret,
		History:    db,
		Heartbeats: a.beats,
		Retry: agent.RetryPolicy{
			MaxAttempts: a.cfg.Loop.MaxAttempts,
			BaseDelay:   a.cfg.Loop.BackoffBase,
			MaxDelay:    a.cfg.Loop.BackoffMax,
		},
		MaxContextResults: a.cfg.Retrieval.MaxResults,
		MaxTokens:         a.cfg.Anthropic.MaxTokens,
		Clock:             a.clock,
		Metrics:           a.metrics,
		Logger:            a.logger,
	})
}

func (a *app) monitor() *monitor.Monitor {
	return monitor.New(monitor.Config{
		Controller: a.ctrl,
		Heartbeats: a.beats,
		StaleAfter: a.cfg.Heartbeat.StaleAfter,
		Clock:      a.clock,
		Metrics:    a.metrics,
		Logger:     a.logger,
	})
}

// Close releases the database and connection pool.
func (a *app) Close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("closing database failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
