package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned for unknown transaction hashes.
	ErrNotFound = errors.New("storage: record not found")
)

const recordColumns = `
        id,
        tx_hash,
        block_number,
        time_stamp,
        from_address,
        to_address,
        gas,
        gas_price::text,
        gas_used,
        fee_eth::text,
        fee_usdt::text,
        execution_price::text,
        created_at`

const (
	insertRecordSQL = `INSERT INTO transactions (
        tx_hash,
        block_number,
        time_stamp,
        from_address,
        to_address,
        gas,
        gas_price,
        gas_used,
        fee_eth,
        fee_usdt,
        execution_price
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    ON CONFLICT (tx_hash) DO NOTHING
    RETURNING` + recordColumns + `;`

	getByHashSQL = `SELECT` + recordColumns + `
    FROM transactions
    WHERE tx_hash = $1;`

	// COALESCE keeps the first decoded price; later writers are no-ops.
	updateExecutionPriceSQL = `UPDATE transactions
    SET execution_price = COALESCE(execution_price, $2)
    WHERE tx_hash = $1
    RETURNING` + recordColumns + `;`

	listBetweenSQL = `SELECT` + recordColumns + `
    FROM transactions
    WHERE time_stamp >= $1
      AND time_stamp < $2
    ORDER BY time_stamp, id;`

	summarySQL = `SELECT
        COALESCE(SUM(fee_eth), 0)::text,
        COALESCE(SUM(fee_usdt), 0)::text,
        COUNT(*)
    FROM transactions;`

	latestTimestampSQL = `SELECT MAX(time_stamp) FROM transactions;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// RecordStore is the persistence contract of the ingestion core. Inserts
// are upsert-or-skip keyed by hash.
type RecordStore interface {
	// UpsertIfAbsent inserts rec unless its hash exists, in which case the
	// stored record is returned with inserted=false and nothing changes.
	UpsertIfAbsent(ctx context.Context, rec Record) (stored Record, inserted bool, err error)
	GetByHash(ctx context.Context, hash string) (Record, error)
	UpdateExecutionPrice(ctx context.Context, hash string, price decimal.Decimal) (Record, error)
	QueryRange(ctx context.Context, q RangeQuery) ([]Record, error)
	ListBetween(ctx context.Context, from, to time.Time) ([]Record, error)
	Summary(ctx context.Context) (Summary, error)
	LatestTimestamp(ctx context.Context) (ts time.Time, ok bool, err error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store is the PostgreSQL implementation of RecordStore.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// Session locks die with the connection anyway, so a failed unlock
		// only delays release until the pool recycles it.
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertIfAbsent inserts a record or returns the existing one untouched.
func (s *Store) UpsertIfAbsent(ctx context.Context, rec Record) (Record, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return Record{}, false, err
	}

	hash := NormalizeHash(rec.Hash)
	var price interface{}
	if rec.ExecutionPrice != nil {
		price = rec.ExecutionPrice.String()
	}

	row := pool.QueryRow(ctx, insertRecordSQL,
		hash,
		int64(rec.BlockNumber),
		rec.Timestamp.UTC(),
		rec.From,
		rec.To,
		int64(rec.Gas),
		strconv.FormatUint(rec.GasPrice, 10),
		int64(rec.GasUsed),
		rec.FeeNative.String(),
		rec.FeeQuote.String(),
		price,
	)

	stored, scanErr := scanRecord(row)
	if scanErr == nil {
		return stored, true, nil
	}
	if !errors.Is(scanErr, pgx.ErrNoRows) {
		return Record{}, false, fmt.Errorf("insert record: %w", scanErr)
	}

	// Conflict: another writer got there first.
	existing, err := s.GetByHash(ctx, hash)
	if err != nil {
		return Record{}, false, err
	}
	return existing, false, nil
}

// GetByHash returns the record for hash or ErrNotFound.
func (s *Store) GetByHash(ctx context.Context, hash string) (Record, error) {
	pool, err := s.getPool()
	if err != nil {
		return Record{}, err
	}

	rec, scanErr := scanRecord(pool.QueryRow(ctx, getByHashSQL, NormalizeHash(hash)))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if scanErr != nil {
		return Record{}, fmt.Errorf("get record by hash: %w", scanErr)
	}
	return rec, nil
}

// UpdateExecutionPrice sets the execution price if it is still empty.
func (s *Store) UpdateExecutionPrice(ctx context.Context, hash string, price decimal.Decimal) (Record, error) {
	pool, err := s.getPool()
	if err != nil {
		return Record{}, err
	}

	rec, scanErr := scanRecord(pool.QueryRow(ctx, updateExecutionPriceSQL, NormalizeHash(hash), price.String()))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if scanErr != nil {
		return Record{}, fmt.Errorf("update execution price: %w", scanErr)
	}
	return rec, nil
}

// QueryRange lists records newest first.
func (s *Store) QueryRange(ctx context.Context, q RangeQuery) ([]Record, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	sqlText, args := buildRangeQuery(q)
	rows, queryErr := pool.Query(ctx, sqlText, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("query range: %w", queryErr)
	}
	return collectRecords(rows)
}

// ListBetween lists records with from <= timestamp < to, oldest first.
func (s *Store) ListBetween(ctx context.Context, from, to time.Time) ([]Record, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listBetweenSQL, from.UTC(), to.UTC())
	if queryErr != nil {
		return nil, fmt.Errorf("list records between: %w", queryErr)
	}
	return collectRecords(rows)
}

// Summary sums fees across every record.
func (s *Store) Summary(ctx context.Context) (Summary, error) {
	pool, err := s.getPool()
	if err != nil {
		return Summary{}, err
	}

	var nativeStr, quoteStr string
	var count int64
	if scanErr := pool.QueryRow(ctx, summarySQL).Scan(&nativeStr, &quoteStr, &count); scanErr != nil {
		return Summary{}, fmt.Errorf("summary: %w", scanErr)
	}

	native, err := decimal.NewFromString(nativeStr)
	if err != nil {
		return Summary{}, fmt.Errorf("parse fee sum: %w", err)
	}
	quote, err := decimal.NewFromString(quoteStr)
	if err != nil {
		return Summary{}, fmt.Errorf("parse quote fee sum: %w", err)
	}
	return Summary{TotalFeeNative: native, TotalFeeQuote: quote, Count: count}, nil
}

// LatestTimestamp returns the newest record timestamp; ok is false when empty.
func (s *Store) LatestTimestamp(ctx context.Context) (time.Time, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return time.Time{}, false, err
	}

	var latest sql.NullTime
	if scanErr := pool.QueryRow(ctx, latestTimestampSQL).Scan(&latest); scanErr != nil {
		return time.Time{}, false, fmt.Errorf("latest timestamp: %w", scanErr)
	}
	if !latest.Valid {
		return time.Time{}, false, nil
	}
	return latest.Time.UTC(), true, nil
}

func buildRangeQuery(q RangeQuery) (string, []interface{}) {
	var (
		clauses []string
		args    []interface{}
	)
	if hash := NormalizeHash(q.Hash); hash != "" {
		args = append(args, hash)
		clauses = append(clauses, fmt.Sprintf("tx_hash = $%d", len(args)))
	}
	if q.Start != nil {
		args = append(args, q.Start.UTC())
		clauses = append(clauses, fmt.Sprintf("time_stamp >= $%d", len(args)))
	}
	if q.End != nil {
		args = append(args, q.End.UTC())
		clauses = append(clauses, fmt.Sprintf("time_stamp <= $%d", len(args)))
	}

	var b strings.Builder
	b.WriteString("SELECT")
	b.WriteString(recordColumns)
	b.WriteString("\n    FROM transactions")
	if len(clauses) > 0 {
		b.WriteString("\n    WHERE ")
		b.WriteString(strings.Join(clauses, " AND "))
	}
	b.WriteString("\n    ORDER BY time_stamp DESC, id DESC")

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)
	fmt.Fprintf(&b, "\n    LIMIT $%d OFFSET $%d;", len(args)-1, len(args))
	return b.String(), args
}

func collectRecords(rows pgx.Rows) ([]Record, error) {
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		rec, scanErr := scanRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		id          int64
		hash        string
		block       int64
		ts          time.Time
		from        string
		to          string
		gas         int64
		gasPriceStr string
		gasUsed     int64
		feeEthStr   string
		feeUsdtStr  string
		priceStr    sql.NullString
		createdAt   time.Time
	)

	if err := row.Scan(
		&id,
		&hash,
		&block,
		&ts,
		&from,
		&to,
		&gas,
		&gasPriceStr,
		&gasUsed,
		&feeEthStr,
		&feeUsdtStr,
		&priceStr,
		&createdAt,
	); err != nil {
		return Record{}, err
	}

	gasPrice, err := strconv.ParseUint(gasPriceStr, 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("parse gas price: %w", err)
	}
	feeNative, err := decimal.NewFromString(feeEthStr)
	if err != nil {
		return Record{}, fmt.Errorf("parse fee_eth: %w", err)
	}
	feeQuote, err := decimal.NewFromString(feeUsdtStr)
	if err != nil {
		return Record{}, fmt.Errorf("parse fee_usdt: %w", err)
	}

	rec := Record{
		ID:          id,
		Hash:        hash,
		BlockNumber: uint64(block),
		Timestamp:   ts.UTC(),
		From:        from,
		To:          to,
		Gas:         uint64(gas),
		GasPrice:    gasPrice,
		GasUsed:     uint64(gasUsed),
		FeeNative:   feeNative,
		FeeQuote:    feeQuote,
		IngestedAt:  createdAt.UTC(),
	}

	if priceStr.Valid {
		price, err := decimal.NewFromString(priceStr.String)
		if err != nil {
			return Record{}, fmt.Errorf("parse execution price: %w", err)
		}
		rec.ExecutionPrice = &price
	}

	return rec, nil
}

var (
	_ RecordStore    = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
