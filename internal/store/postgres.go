package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/gexflow/strategy-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS positions (
			id               TEXT PRIMARY KEY,
			instance_id      TEXT NOT NULL,
			symbol           TEXT NOT NULL,
			direction        TEXT NOT NULL,
			size             BIGINT NOT NULL,
			entry_price      NUMERIC NOT NULL,
			initial_stop     NUMERIC NOT NULL,
			current_stop     NUMERIC NOT NULL,
			target           NUMERIC NOT NULL,
			trailing_active  BOOLEAN NOT NULL DEFAULT FALSE,
			entry_regime     TEXT NOT NULL,
			flip             NUMERIC NOT NULL,
			upper_boundary   NUMERIC NOT NULL,
			lower_boundary   NUMERIC NOT NULL,
			net_exposure     NUMERIC NOT NULL,
			volatility       DOUBLE PRECISION NOT NULL,
			range_points     NUMERIC NOT NULL,
			status           TEXT NOT NULL,
			open_time        TIMESTAMPTZ NOT NULL,
			close_time       TIMESTAMPTZ,
			close_price      NUMERIC,
			close_reason     TEXT,
			realized_pnl     NUMERIC,
			high_since_entry NUMERIC NOT NULL,
			low_since_entry  NUMERIC NOT NULL,
			data_failures    INT NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_positions_instance_status ON positions (instance_id, status);
		CREATE INDEX IF NOT EXISTS idx_positions_open_time ON positions (instance_id, open_time);

		CREATE TABLE IF NOT EXISTS accounts (
			instance_id       TEXT PRIMARY KEY,
			starting_balance  NUMERIC NOT NULL,
			balance           NUMERIC NOT NULL,
			collateral_in_use NUMERIC NOT NULL,
			high_water_mark   NUMERIC NOT NULL,
			max_drawdown      NUMERIC NOT NULL
		);

		CREATE TABLE IF NOT EXISTS audit_log (
			id          TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			position_id TEXT,
			event       TEXT NOT NULL,
			reason      TEXT,
			detail      TEXT,
			ts          TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_instance_ts ON audit_log (instance_id, ts DESC);

		CREATE TABLE IF NOT EXISTS equity_snapshots (
			instance_id    TEXT NOT NULL,
			balance        NUMERIC NOT NULL,
			unrealized_pnl NUMERIC NOT NULL,
			open_positions INT NOT NULL,
			ts             TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_equity_instance_ts ON equity_snapshots (instance_id, ts DESC);
	`)
	return err
}

const positionColumns = `
	id, instance_id, symbol, direction, size,
	entry_price::TEXT, initial_stop::TEXT, current_stop::TEXT, target::TEXT,
	trailing_active, entry_regime,
	flip::TEXT, upper_boundary::TEXT, lower_boundary::TEXT, net_exposure::TEXT,
	volatility, range_points::TEXT,
	status, open_time, close_time,
	COALESCE(close_price, 0)::TEXT, COALESCE(close_reason, ''),
	COALESCE(realized_pnl, 0)::TEXT,
	high_since_entry::TEXT, low_since_entry::TEXT, data_failures`

func (s *PostgresStore) SavePosition(ctx context.Context, p *model.Position) error {
	var closeTime any
	if !p.CloseTime.IsZero() {
		closeTime = p.CloseTime
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO positions (
			id, instance_id, symbol, direction, size,
			entry_price, initial_stop, current_stop, target,
			trailing_active, entry_regime,
			flip, upper_boundary, lower_boundary, net_exposure, volatility, range_points,
			status, open_time, close_time, close_price, close_reason, realized_pnl,
			high_since_entry, low_since_entry, data_failures
		) VALUES (
			$1, $2, $3, $4, $5,
			$6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC,
			$10, $11,
			$12::NUMERIC, $13::NUMERIC, $14::NUMERIC, $15::NUMERIC, $16, $17::NUMERIC,
			$18, $19, $20, NULLIF($21, '')::NUMERIC, NULLIF($22, ''), NULLIF($23, '')::NUMERIC,
			$24::NUMERIC, $25::NUMERIC, $26
		)
		ON CONFLICT (id) DO UPDATE SET
			current_stop     = EXCLUDED.current_stop,
			trailing_active  = EXCLUDED.trailing_active,
			status           = EXCLUDED.status,
			close_time       = EXCLUDED.close_time,
			close_price      = EXCLUDED.close_price,
			close_reason     = EXCLUDED.close_reason,
			realized_pnl     = EXCLUDED.realized_pnl,
			high_since_entry = EXCLUDED.high_since_entry,
			low_since_entry  = EXCLUDED.low_since_entry,
			data_failures    = EXCLUDED.data_failures`,
		p.ID, p.InstanceID, p.Symbol, string(p.Direction), p.Size,
		p.EntryPrice.String(), p.InitialStop.String(), p.CurrentStop.String(), p.Target.String(),
		p.TrailingActive, string(p.EntryRegime),
		p.EntrySnapshot.Flip.String(), p.EntrySnapshot.UpperBoundary.String(),
		p.EntrySnapshot.LowerBoundary.String(), p.EntrySnapshot.NetExposure.String(),
		p.EntrySnapshot.Volatility, p.EntrySnapshot.RangePoints.String(),
		string(p.Status), p.OpenTime, closeTime,
		closeDecimal(p.Status, p.ClosePrice), string(p.CloseReason), closeDecimal(p.Status, p.RealizedPnL),
		p.HighSinceEntry.String(), p.LowSinceEntry.String(), p.DataFailures,
	)
	return err
}

// closeDecimal serializes a close-side decimal only for terminal rows so
// OPEN rows keep NULL close fields.
func closeDecimal(status model.Status, d decimal.Decimal) string {
	if !status.Terminal() {
		return ""
	}
	return d.String()
}

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = $1`, id)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *PostgresStore) OpenPositions(ctx context.Context, instanceID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE instance_id = $1 AND status = 'OPEN' ORDER BY open_time`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (s *PostgresStore) ListPositions(ctx context.Context, instanceID string, status model.Status, limit int) ([]model.Position, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows pgx.Rows
		err  error
	)
	if status == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT `+positionColumns+` FROM positions
			 WHERE instance_id = $1 ORDER BY open_time DESC LIMIT $2`, instanceID, limit)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+positionColumns+` FROM positions
			 WHERE instance_id = $1 AND status = $2 ORDER BY open_time DESC LIMIT $3`,
			instanceID, string(status), limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

// ClosePosition is the atomic OPEN to terminal transition. The WHERE
// status='OPEN' guard makes racing closers safe: exactly one wins.
func (s *PostgresStore) ClosePosition(ctx context.Context, id string, price decimal.Decimal, reason model.CloseReason, pnl decimal.Decimal, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE positions SET
			status       = $2,
			close_price  = $3::NUMERIC,
			close_reason = $4,
			realized_pnl = $5::NUMERIC,
			close_time   = $6
		WHERE id = $1 AND status = 'OPEN'`,
		id, string(reason.TerminalStatus()), price.String(), string(reason), pnl.String(), at,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) TradeCountOn(ctx context.Context, instanceID string, day time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM positions
		WHERE instance_id = $1 AND open_time::DATE = $2::DATE`,
		instanceID, day.UTC(),
	).Scan(&count)
	return count, err
}

func (s *PostgresStore) RoundTripsSince(ctx context.Context, instanceID string, since time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM positions
		WHERE instance_id = $1
		  AND status <> 'OPEN'
		  AND open_time >= $2
		  AND close_time IS NOT NULL
		  AND open_time::DATE = close_time::DATE`,
		instanceID, since,
	).Scan(&count)
	return count, err
}

func (s *PostgresStore) SaveAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (instance_id, starting_balance, balance, collateral_in_use, high_water_mark, max_drawdown)
		VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC)
		ON CONFLICT (instance_id) DO UPDATE SET
			balance           = EXCLUDED.balance,
			collateral_in_use = EXCLUDED.collateral_in_use,
			high_water_mark   = EXCLUDED.high_water_mark,
			max_drawdown      = EXCLUDED.max_drawdown`,
		a.InstanceID, a.StartingBalance.String(), a.Balance.String(),
		a.CollateralInUse.String(), a.HighWaterMark.String(), a.MaxDrawdown.String(),
	)
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, instanceID string) (*model.Account, error) {
	var a model.Account
	var start, bal, coll, hwm, dd string

	err := s.pool.QueryRow(ctx, `
		SELECT instance_id, starting_balance::TEXT, balance::TEXT,
		       collateral_in_use::TEXT, high_water_mark::TEXT, max_drawdown::TEXT
		FROM accounts WHERE instance_id = $1`, instanceID).
		Scan(&a.InstanceID, &start, &bal, &coll, &hwm, &dd)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", instanceID, err)
	}

	a.StartingBalance, _ = decimal.NewFromString(start)
	a.Balance, _ = decimal.NewFromString(bal)
	a.CollateralInUse, _ = decimal.NewFromString(coll)
	a.HighWaterMark, _ = decimal.NewFromString(hwm)
	a.MaxDrawdown, _ = decimal.NewFromString(dd)
	return &a, nil
}

func (s *PostgresStore) AppendAudit(ctx context.Context, e *model.AuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (id, instance_id, position_id, event, reason, detail, ts)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)`,
		e.ID, e.InstanceID, e.PositionID, e.Event, e.Reason, e.Detail, e.Timestamp,
	)
	return err
}

func (s *PostgresStore) AuditEntries(ctx context.Context, instanceID string, limit int) ([]model.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, instance_id, COALESCE(position_id, ''), event,
		       COALESCE(reason, ''), COALESCE(detail, ''), ts
		FROM audit_log WHERE instance_id = $1 ORDER BY ts DESC LIMIT $2`,
		instanceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.PositionID, &e.Event,
			&e.Reason, &e.Detail, &e.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) SaveEquitySnapshot(ctx context.Context, snap *model.EquitySnapshot) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO equity_snapshots (instance_id, balance, unrealized_pnl, open_positions, ts)
		VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4, $5)`,
		snap.InstanceID, snap.Balance.String(), snap.UnrealizedPnL.String(),
		snap.OpenPositions, snap.Timestamp,
	)
	return err
}

func (s *PostgresStore) LatestEquitySnapshot(ctx context.Context, instanceID string) (*model.EquitySnapshot, error) {
	var snap model.EquitySnapshot
	var bal, upnl string

	err := s.pool.QueryRow(ctx, `
		SELECT instance_id, balance::TEXT, unrealized_pnl::TEXT, open_positions, ts
		FROM equity_snapshots WHERE instance_id = $1 ORDER BY ts DESC LIMIT 1`, instanceID).
		Scan(&snap.InstanceID, &bal, &upnl, &snap.OpenPositions, &snap.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	snap.Balance, _ = decimal.NewFromString(bal)
	snap.UnrealizedPnL, _ = decimal.NewFromString(upnl)
	return &snap, nil
}

// scanner abstracts pgx.Row and pgx.Rows for position scanning.
type scanner interface {
	Scan(dest ...any) error
}

func scanPosition(row scanner) (*model.Position, error) {
	var p model.Position
	var direction, regime, status, closeReason string
	var entry, initStop, curStop, target string
	var flip, upper, lower, netExp, rng string
	var closePrice, pnl, high, low string
	var closeTime *time.Time

	err := row.Scan(
		&p.ID, &p.InstanceID, &p.Symbol, &direction, &p.Size,
		&entry, &initStop, &curStop, &target,
		&p.TrailingActive, &regime,
		&flip, &upper, &lower, &netExp,
		&p.EntrySnapshot.Volatility, &rng,
		&status, &p.OpenTime, &closeTime,
		&closePrice, &closeReason, &pnl,
		&high, &low, &p.DataFailures,
	)
	if err != nil {
		return nil, err
	}

	p.Direction = model.Direction(direction)
	p.EntryRegime = model.Regime(regime)
	p.Status = model.Status(status)
	p.CloseReason = model.CloseReason(closeReason)
	if closeTime != nil {
		p.CloseTime = *closeTime
	}

	p.EntryPrice, _ = decimal.NewFromString(entry)
	p.InitialStop, _ = decimal.NewFromString(initStop)
	p.CurrentStop, _ = decimal.NewFromString(curStop)
	p.Target, _ = decimal.NewFromString(target)
	p.EntrySnapshot.Flip, _ = decimal.NewFromString(flip)
	p.EntrySnapshot.UpperBoundary, _ = decimal.NewFromString(upper)
	p.EntrySnapshot.LowerBoundary, _ = decimal.NewFromString(lower)
	p.EntrySnapshot.NetExposure, _ = decimal.NewFromString(netExp)
	p.EntrySnapshot.RangePoints, _ = decimal.NewFromString(rng)
	p.ClosePrice, _ = decimal.NewFromString(closePrice)
	p.RealizedPnL, _ = decimal.NewFromString(pnl)
	p.HighSinceEntry, _ = decimal.NewFromString(high)
	p.LowSinceEntry, _ = decimal.NewFromString(low)

	return &p, nil
}

func scanPositions(rows pgx.Rows) ([]model.Position, error) {
	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}
