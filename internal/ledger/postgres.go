package ledger

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresLedger stores usage as one row per agent per day. Deltas are
// applied with an atomic UPSERT increment, so concurrent writers never
// lose updates.
type PostgresLedger struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ Ledger = (*PostgresLedger)(nil)

// NewPostgresLedger creates a ledger backed by the given connection pool.
func NewPostgresLedger(pool *pgxpool.Pool, logger *zap.Logger) *PostgresLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresLedger{pool: pool, logger: logger.Named("ledger")}
}

// Migrate applies the embedded schema migrations to databaseURL.
func Migrate(databaseURL string) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Read aggregates the month's daily rows into a Month record.
func (l *PostgresLedger) Read(ctx context.Context, month string) (*Month, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT agent_id, to_char(day, 'YYYY-MM-DD'), tokens, cost
		 FROM usage_daily
		 WHERE month = $1
		 ORDER BY agent_id, day`,
		month,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage: %w", err)
	}
	defer rows.Close()

	m := NewMonth(month)
	for rows.Next() {
		var (
			agentID, day string
			usage        DayUsage
		)
		if err := rows.Scan(&agentID, &day, &usage.Tokens, &usage.Cost); err != nil {
			return nil, fmt.Errorf("scanning usage row: %w", err)
		}
		a, ok := m.Agents[agentID]
		if !ok {
			a = &AgentUsage{Daily: make(map[string]DayUsage)}
			m.Agents[agentID] = a
		}
		a.Daily[day] = usage
		a.MonthlyTokens += usage.Tokens
		a.MonthlyCost += usage.Cost
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage rows: %w", err)
	}

	m.TotalCost = m.GlobalSpend()
	return m, nil
}

// ApplyDelta increments the agent's row for the day of d.At.
func (l *PostgresLedger) ApplyDelta(ctx context.Context, d Delta) (*Month, error) {
	at := d.At.UTC()
	_, err := l.pool.Exec(ctx,
		`INSERT INTO usage_daily (month, agent_id, day, tokens, cost, updated_at)
		 VALUES ($1, $2, $3::date, $4, $5, $6)
		 ON CONFLICT (agent_id, day)
		 DO UPDATE SET tokens = usage_daily.tokens + EXCLUDED.tokens,
		               cost = usage_daily.cost + EXCLUDED.cost,
		               updated_at = EXCLUDED.updated_at`,
		MonthKey(at), d.AgentID, DayKey(at), d.Tokens(), d.Cost, at,
	)
	if err != nil {
		return nil, fmt.Errorf("recording usage: %w", err)
	}

	l.logger.Debug("usage recorded",
		zap.String("agent", d.AgentID),
		zap.Int64("tokens", d.Tokens()),
		zap.Float64("cost", d.Cost))

	return l.Read(ctx, MonthKey(at))
}
