package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/derivflow/internal/derivs"
	"github.com/sawpanic/derivflow/internal/persistence"
)

const recordColumns = `exchange, symbol, contract_type, open_interest_usd, funding_rate, volume_24h, index_price, ts`

const upsertSQL = `
		INSERT INTO derivatives (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (exchange, symbol, ts) DO UPDATE SET
			contract_type = EXCLUDED.contract_type,
			open_interest_usd = EXCLUDED.open_interest_usd,
			funding_rate = EXCLUDED.funding_rate,
			volume_24h = EXCLUDED.volume_24h,
			index_price = EXCLUDED.index_price`

// derivativesRepo implements persistence.DerivativesRepo for PostgreSQL
type derivativesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewDerivativesRepo creates a PostgreSQL derivatives repository
func NewDerivativesRepo(db *sqlx.DB, timeout time.Duration) persistence.DerivativesRepo {
	return &derivativesRepo{db: db, timeout: timeout}
}

// Upsert writes the batch in one transaction
func (r *derivativesRepo) Upsert(ctx context.Context, records []derivs.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(records)/500+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertSQL)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	written := 0
	for _, rec := range records {
		_, err := stmt.ExecContext(ctx,
			rec.Exchange, rec.Symbol, string(rec.ContractType),
			rec.OpenInterestUSD, rec.FundingRate, rec.Volume24h, rec.IndexPrice,
			rec.TS.UTC())
		if err != nil {
			return 0, fmt.Errorf("failed to upsert %s: %w", rec.NaturalKey(), err)
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit upsert: %w", err)
	}
	return written, nil
}

// where renders f as a WHERE clause with positional args starting at $1
func where(f persistence.Filter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.Exchange != "" {
		add("exchange = $%d", f.Exchange)
	}
	if f.ContractType != "" {
		add("contract_type = $%d", string(f.ContractType))
	}
	if !f.At.IsZero() {
		add("ts = $%d", f.At.UTC())
	} else if !f.Since.IsZero() {
		add("ts >= $%d", f.Since.UTC())
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// QueryLatest returns matching rows, newest first
func (r *derivativesRepo) QueryLatest(ctx context.Context, f persistence.Filter, limit int) ([]derivs.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	clause, args := where(f)
	query := `SELECT ` + recordColumns + ` FROM derivatives` + clause + ` ORDER BY ts DESC, volume_24h DESC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var rows []derivs.Record
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query derivatives: %w", err)
	}
	for i := range rows {
		rows[i].TS = rows[i].TS.UTC()
	}
	return rows, nil
}

// LatestTS returns the max ts matching f
func (r *derivativesRepo) LatestTS(ctx context.Context, f persistence.Filter) (time.Time, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	clause, args := where(f)
	var ts sql.NullTime
	if err := r.db.QueryRowxContext(ctx, `SELECT MAX(ts) FROM derivatives`+clause, args...).Scan(&ts); err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query latest ts: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, false, nil
	}
	return ts.Time.UTC(), true, nil
}

// LatestTSByExchange returns the max ts per exchange among rows matching f
func (r *derivativesRepo) LatestTSByExchange(ctx context.Context, f persistence.Filter) (map[string]time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	clause, args := where(f)
	rows, err := r.db.QueryxContext(ctx, `SELECT exchange, MAX(ts) AS ts FROM derivatives`+clause+` GROUP BY exchange`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest ts by exchange: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var exchange string
		var ts time.Time
		if err := rows.Scan(&exchange, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan latest ts: %w", err)
		}
		out[exchange] = ts.UTC()
	}
	return out, rows.Err()
}

// CountByExchange returns per-exchange row counts at ts
func (r *derivativesRepo) CountByExchange(ctx context.Context, ts time.Time) (map[string]int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT exchange, COUNT(*)
		FROM derivatives
		WHERE ts = $1
		GROUP BY exchange`, ts.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to count derivatives: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var exchange string
		var n int
		if err := rows.Scan(&exchange, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		out[exchange] = n
	}
	return out, rows.Err()
}
