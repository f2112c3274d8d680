package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-process RecordStore used for dry runs and tests. It
// honours the same upsert-or-skip and first-price-wins rules as Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	nextID  int64
	now     func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record), now: time.Now}
}

// UpsertIfAbsent inserts rec unless the hash is already present.
func (m *MemoryStore) UpsertIfAbsent(ctx context.Context, rec Record) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	hash := NormalizeHash(rec.Hash)
	if existing, ok := m.records[hash]; ok {
		return copyRecord(existing), false, nil
	}

	m.nextID++
	rec.ID = m.nextID
	rec.Hash = hash
	rec.Timestamp = rec.Timestamp.UTC()
	rec.IngestedAt = m.now().UTC()
	if rec.ExecutionPrice != nil {
		price := *rec.ExecutionPrice
		rec.ExecutionPrice = &price
	}
	m.records[hash] = rec
	return copyRecord(rec), true, nil
}

// GetByHash returns the record or ErrNotFound.
func (m *MemoryStore) GetByHash(ctx context.Context, hash string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[NormalizeHash(hash)]
	if !ok {
		return Record{}, ErrNotFound
	}
	return copyRecord(rec), nil
}

// UpdateExecutionPrice sets the price if still empty.
func (m *MemoryStore) UpdateExecutionPrice(ctx context.Context, hash string, price decimal.Decimal) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := NormalizeHash(hash)
	rec, ok := m.records[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	if rec.ExecutionPrice == nil {
		p := price
		rec.ExecutionPrice = &p
		m.records[key] = rec
	}
	return copyRecord(rec), nil
}

// QueryRange lists matching records newest first.
func (m *MemoryStore) QueryRange(ctx context.Context, q RangeQuery) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	hash := NormalizeHash(q.Hash)
	matched := make([]Record, 0)
	for _, rec := range m.records {
		if hash != "" && rec.Hash != hash {
			continue
		}
		if q.Start != nil && rec.Timestamp.Before(*q.Start) {
			continue
		}
		if q.End != nil && rec.Timestamp.After(*q.End) {
			continue
		}
		matched = append(matched, copyRecord(rec))
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return []Record{}, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

// ListBetween lists records with from <= timestamp < to, oldest first.
func (m *MemoryStore) ListBetween(ctx context.Context, from, to time.Time) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	matched := make([]Record, 0)
	for _, rec := range m.records {
		if rec.Timestamp.Before(from) || !rec.Timestamp.Before(to) {
			continue
		}
		matched = append(matched, copyRecord(rec))
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].Timestamp.Before(matched[j].Timestamp)
	})
	return matched, nil
}

// Summary sums fees over every record.
func (m *MemoryStore) Summary(ctx context.Context) (Summary, error) {
	if err := ctx.Err(); err != nil {
		return Summary{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum := Summary{TotalFeeNative: decimal.Zero, TotalFeeQuote: decimal.Zero}
	for _, rec := range m.records {
		sum.TotalFeeNative = sum.TotalFeeNative.Add(rec.FeeNative)
		sum.TotalFeeQuote = sum.TotalFeeQuote.Add(rec.FeeQuote)
		sum.Count++
	}
	return sum, nil
}

// LatestTimestamp returns the newest record timestamp.
func (m *MemoryStore) LatestTimestamp(ctx context.Context) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest time.Time
	found := false
	for _, rec := range m.records {
		if !found || rec.Timestamp.After(latest) {
			latest = rec.Timestamp
			found = true
		}
	}
	return latest, found, nil
}

// Len reports how many records are stored.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func copyRecord(rec Record) Record {
	if rec.ExecutionPrice != nil {
		price := *rec.ExecutionPrice
		rec.ExecutionPrice = &price
	}
	return rec
}

var _ RecordStore = (*MemoryStore)(nil)
