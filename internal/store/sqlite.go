package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/gexflow/strategy-engine/internal/model"
)

// SQLiteStore implements Store on an embedded SQLite database, for
// single-binary deploys that do not want a Postgres dependency. Decimals
// are stored as TEXT to keep exact precision; compliance day-bucketing
// uses UTC dates, matching the Postgres implementation.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if necessary) the database at path and
// applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// Modernc's driver is not safe for concurrent writers on one handle.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS positions (
			id               TEXT PRIMARY KEY,
			instance_id      TEXT NOT NULL,
			symbol           TEXT NOT NULL,
			direction        TEXT NOT NULL,
			size             INTEGER NOT NULL,
			entry_price      TEXT NOT NULL,
			initial_stop     TEXT NOT NULL,
			current_stop     TEXT NOT NULL,
			target           TEXT NOT NULL,
			trailing_active  INTEGER NOT NULL DEFAULT 0,
			entry_regime     TEXT NOT NULL,
			flip             TEXT NOT NULL,
			upper_boundary   TEXT NOT NULL,
			lower_boundary   TEXT NOT NULL,
			net_exposure     TEXT NOT NULL,
			volatility       REAL NOT NULL,
			range_points     TEXT NOT NULL,
			status           TEXT NOT NULL,
			open_time        TEXT NOT NULL,
			close_time       TEXT,
			close_price      TEXT,
			close_reason     TEXT,
			realized_pnl     TEXT,
			high_since_entry TEXT NOT NULL,
			low_since_entry  TEXT NOT NULL,
			data_failures    INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_positions_instance_status ON positions (instance_id, status);

		CREATE TABLE IF NOT EXISTS accounts (
			instance_id       TEXT PRIMARY KEY,
			starting_balance  TEXT NOT NULL,
			balance           TEXT NOT NULL,
			collateral_in_use TEXT NOT NULL,
			high_water_mark   TEXT NOT NULL,
			max_drawdown      TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS audit_log (
			id          TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			position_id TEXT,
			event       TEXT NOT NULL,
			reason      TEXT,
			detail      TEXT,
			ts          TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_instance_ts ON audit_log (instance_id, ts);

		CREATE TABLE IF NOT EXISTS equity_snapshots (
			instance_id    TEXT NOT NULL,
			balance        TEXT NOT NULL,
			unrealized_pnl TEXT NOT NULL,
			open_positions INTEGER NOT NULL,
			ts             TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_equity_instance_ts ON equity_snapshots (instance_id, ts);
	`)
	return err
}

const sqliteTimeLayout = time.RFC3339Nano

func sqliteTime(t time.Time) string { return t.UTC().Format(sqliteTimeLayout) }

func parseSQLiteTime(s string) time.Time {
	t, _ := time.Parse(sqliteTimeLayout, s)
	return t
}

func (s *SQLiteStore) SavePosition(ctx context.Context, p *model.Position) error {
	var closeTime, closePrice, closeReason, pnl any
	if !p.CloseTime.IsZero() {
		closeTime = sqliteTime(p.CloseTime)
	}
	if p.Status.Terminal() {
		closePrice = p.ClosePrice.String()
		closeReason = string(p.CloseReason)
		pnl = p.RealizedPnL.String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (
			id, instance_id, symbol, direction, size,
			entry_price, initial_stop, current_stop, target,
			trailing_active, entry_regime,
			flip, upper_boundary, lower_boundary, net_exposure, volatility, range_points,
			status, open_time, close_time, close_price, close_reason, realized_pnl,
			high_since_entry, low_since_entry, data_failures
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			current_stop     = excluded.current_stop,
			trailing_active  = excluded.trailing_active,
			status           = excluded.status,
			close_time       = excluded.close_time,
			close_price      = excluded.close_price,
			close_reason     = excluded.close_reason,
			realized_pnl     = excluded.realized_pnl,
			high_since_entry = excluded.high_since_entry,
			low_since_entry  = excluded.low_since_entry,
			data_failures    = excluded.data_failures`,
		p.ID, p.InstanceID, p.Symbol, string(p.Direction), p.Size,
		p.EntryPrice.String(), p.InitialStop.String(), p.CurrentStop.String(), p.Target.String(),
		p.TrailingActive, string(p.EntryRegime),
		p.EntrySnapshot.Flip.String(), p.EntrySnapshot.UpperBoundary.String(),
		p.EntrySnapshot.LowerBoundary.String(), p.EntrySnapshot.NetExposure.String(),
		p.EntrySnapshot.Volatility, p.EntrySnapshot.RangePoints.String(),
		string(p.Status), sqliteTime(p.OpenTime), closeTime, closePrice, closeReason, pnl,
		p.HighSinceEntry.String(), p.LowSinceEntry.String(), p.DataFailures,
	)
	return err
}

const sqlitePositionColumns = `
	id, instance_id, symbol, direction, size,
	entry_price, initial_stop, current_stop, target,
	trailing_active, entry_regime,
	flip, upper_boundary, lower_boundary, net_exposure, volatility, range_points,
	status, open_time, close_time,
	COALESCE(close_price, '0'), COALESCE(close_reason, ''), COALESCE(realized_pnl, '0'),
	high_since_entry, low_since_entry, data_failures`

func (s *SQLiteStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqlitePositionColumns+` FROM positions WHERE id = ?`, id)
	p, err := scanSQLitePosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *SQLiteStore) OpenPositions(ctx context.Context, instanceID string) ([]model.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqlitePositionColumns+` FROM positions
		 WHERE instance_id = ? AND status = 'OPEN' ORDER BY open_time`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSQLitePositions(rows)
}

func (s *SQLiteStore) ListPositions(ctx context.Context, instanceID string, status model.Status, limit int) ([]model.Position, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+sqlitePositionColumns+` FROM positions
			 WHERE instance_id = ? ORDER BY open_time DESC LIMIT ?`, instanceID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+sqlitePositionColumns+` FROM positions
			 WHERE instance_id = ? AND status = ? ORDER BY open_time DESC LIMIT ?`,
			instanceID, string(status), limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSQLitePositions(rows)
}

func (s *SQLiteStore) ClosePosition(ctx context.Context, id string, price decimal.Decimal, reason model.CloseReason, pnl decimal.Decimal, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE positions SET
			status       = ?,
			close_price  = ?,
			close_reason = ?,
			realized_pnl = ?,
			close_time   = ?
		WHERE id = ? AND status = 'OPEN'`,
		string(reason.TerminalStatus()), price.String(), string(reason),
		pnl.String(), sqliteTime(at), id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) TradeCountOn(ctx context.Context, instanceID string, day time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM positions
		WHERE instance_id = ? AND substr(open_time, 1, 10) = ?`,
		instanceID, day.UTC().Format("2006-01-02"),
	).Scan(&count)
	return count, err
}

func (s *SQLiteStore) RoundTripsSince(ctx context.Context, instanceID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM positions
		WHERE instance_id = ?
		  AND status <> 'OPEN'
		  AND open_time >= ?
		  AND close_time IS NOT NULL
		  AND substr(open_time, 1, 10) = substr(close_time, 1, 10)`,
		instanceID, sqliteTime(since),
	).Scan(&count)
	return count, err
}

func (s *SQLiteStore) SaveAccount(ctx context.Context, a *model.Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (instance_id, starting_balance, balance, collateral_in_use, high_water_mark, max_drawdown)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (instance_id) DO UPDATE SET
			balance           = excluded.balance,
			collateral_in_use = excluded.collateral_in_use,
			high_water_mark   = excluded.high_water_mark,
			max_drawdown      = excluded.max_drawdown`,
		a.InstanceID, a.StartingBalance.String(), a.Balance.String(),
		a.CollateralInUse.String(), a.HighWaterMark.String(), a.MaxDrawdown.String(),
	)
	return err
}

func (s *SQLiteStore) GetAccount(ctx context.Context, instanceID string) (*model.Account, error) {
	var a model.Account
	var start, bal, coll, hwm, dd string

	err := s.db.QueryRowContext(ctx, `
		SELECT instance_id, starting_balance, balance, collateral_in_use, high_water_mark, max_drawdown
		FROM accounts WHERE instance_id = ?`, instanceID).
		Scan(&a.InstanceID, &start, &bal, &coll, &hwm, &dd)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	a.StartingBalance, _ = decimal.NewFromString(start)
	a.Balance, _ = decimal.NewFromString(bal)
	a.CollateralInUse, _ = decimal.NewFromString(coll)
	a.HighWaterMark, _ = decimal.NewFromString(hwm)
	a.MaxDrawdown, _ = decimal.NewFromString(dd)
	return &a, nil
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, e *model.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, instance_id, position_id, event, reason, detail, ts)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?)`,
		e.ID, e.InstanceID, e.PositionID, e.Event, e.Reason, e.Detail, sqliteTime(e.Timestamp),
	)
	return err
}

func (s *SQLiteStore) AuditEntries(ctx context.Context, instanceID string, limit int) ([]model.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instance_id, COALESCE(position_id, ''), event,
		       COALESCE(reason, ''), COALESCE(detail, ''), ts
		FROM audit_log WHERE instance_id = ? ORDER BY ts DESC LIMIT ?`,
		instanceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var ts string
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.PositionID, &e.Event,
			&e.Reason, &e.Detail, &ts); err != nil {
			return nil, err
		}
		e.Timestamp = parseSQLiteTime(ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) SaveEquitySnapshot(ctx context.Context, snap *model.EquitySnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO equity_snapshots (instance_id, balance, unrealized_pnl, open_positions, ts)
		VALUES (?, ?, ?, ?, ?)`,
		snap.InstanceID, snap.Balance.String(), snap.UnrealizedPnL.String(),
		snap.OpenPositions, sqliteTime(snap.Timestamp),
	)
	return err
}

func (s *SQLiteStore) LatestEquitySnapshot(ctx context.Context, instanceID string) (*model.EquitySnapshot, error) {
	var snap model.EquitySnapshot
	var bal, upnl, ts string

	err := s.db.QueryRowContext(ctx, `
		SELECT instance_id, balance, unrealized_pnl, open_positions, ts
		FROM equity_snapshots WHERE instance_id = ? ORDER BY ts DESC LIMIT 1`, instanceID).
		Scan(&snap.InstanceID, &bal, &upnl, &snap.OpenPositions, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	snap.Balance, _ = decimal.NewFromString(bal)
	snap.UnrealizedPnL, _ = decimal.NewFromString(upnl)
	snap.Timestamp = parseSQLiteTime(ts)
	return &snap, nil
}

type sqliteScanner interface {
	Scan(dest ...any) error
}

func scanSQLitePosition(row sqliteScanner) (*model.Position, error) {
	var p model.Position
	var direction, regime, status, closeReason string
	var entry, initStop, curStop, target string
	var flip, upper, lower, netExp, rng string
	var closePrice, pnl, high, low string
	var openTime string
	var closeTime sql.NullString

	err := row.Scan(
		&p.ID, &p.InstanceID, &p.Symbol, &direction, &p.Size,
		&entry, &initStop, &curStop, &target,
		&p.TrailingActive, &regime,
		&flip, &upper, &lower, &netExp,
		&p.EntrySnapshot.Volatility, &rng,
		&status, &openTime, &closeTime,
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
	p.OpenTime = parseSQLiteTime(openTime)
	if closeTime.Valid {
		p.CloseTime = parseSQLiteTime(closeTime.String)
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

func scanSQLitePositions(rows *sql.Rows) ([]model.Position, error) {
	var out []model.Position
	for rows.Next() {
		p, err := scanSQLitePosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}
