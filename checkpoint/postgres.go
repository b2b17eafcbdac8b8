package checkpoint

import (
	"context"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
	"github.com/snapflowio/cdcsink/internal/offset"
	"github.com/snapflowio/cdcsink/logger"
)

const TableName = "cdc_sink_checkpoint"

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres keeps one row per sink in a metadata table.
type Postgres struct {
	db    querier
	pool  *pgxpool.Pool
	table string
}

var _ Store = (*Postgres)(nil)

func OpenPostgres(ctx context.Context, dsn, table string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "create checkpoint pool")
	}

	p := newPostgres(pool, table)
	p.pool = pool

	if err := p.initTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func newPostgres(db querier, table string) *Postgres {
	return &Postgres{db: db, table: pq.QuoteIdentifier(table)}
}

func (p *Postgres) initTable(ctx context.Context) error {
	return p.retryDBOperation(ctx, func() error {
		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				sink_id    TEXT PRIMARY KEY,
				state      JSONB NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)
		`, p.table)

		if _, err := p.db.Exec(ctx, query); err != nil {
			return errors.Wrap(err, "create checkpoint table")
		}

		logger.Debug("[checkpoint] table ensured", "table", p.table)
		return nil
	})
}

func (p *Postgres) Load(ctx context.Context, sinkID string) (*State, error) {
	var state *State

	err := p.retryDBOperation(ctx, func() error {
		query := fmt.Sprintf(`SELECT state::text FROM %s WHERE sink_id = $1`, p.table)

		var raw string
		err := p.db.QueryRow(ctx, query, sinkID).Scan(&raw)
		if errors.Is(err, pgx.ErrNoRows) {
			state = nil
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "load checkpoint of %s", sinkID)
		}

		var s State
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return retry.Unrecoverable(errors.Wrapf(err, "parse checkpoint of %s", sinkID))
		}
		if s.Offsets == nil {
			s.Offsets = offset.Offsets{}
		}
		state = &s
		return nil
	})

	return state, err
}

func (p *Postgres) Save(ctx context.Context, state *State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return errors.Wrapf(err, "encode checkpoint of %s", state.SinkID)
	}

	return p.retryDBOperation(ctx, func() error {
		query := fmt.Sprintf(`
			INSERT INTO %s (sink_id, state, updated_at)
			VALUES ($1, $2::jsonb, $3)
			ON CONFLICT (sink_id) DO UPDATE
			SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at
		`, p.table)

		if _, err := p.db.Exec(ctx, query, state.SinkID, string(data), state.UpdatedAt); err != nil {
			return errors.Wrapf(err, "save checkpoint of %s", state.SinkID)
		}
		return nil
	})
}

func (p *Postgres) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

// retryDBOperation retries transient failures a few times. Anything else is
// returned to the caller, whose own retry policy decides what happens next.
func (p *Postgres) retryDBOperation(ctx context.Context, operation func() error) error {
	return retry.Do(
		operation,
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isTransientError),
		retry.OnRetry(func(n uint, err error) {
			logger.Debug("[retry] checkpoint database operation", "attempt", n+1, "error", err)
		}),
	)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55006", "55P03", "57P03", "58000", "58030":
			return true
		}
		return false
	}

	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return true
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if errors.Is(netErr.Err, syscall.ECONNREFUSED) ||
			errors.Is(netErr.Err, syscall.ECONNRESET) ||
			errors.Is(netErr.Err, syscall.EPIPE) {
			return true
		}
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "connection closed") ||
		strings.Contains(errStr, "connection lost")
}
