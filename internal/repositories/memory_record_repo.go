package repositories

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/recordsync/recordsync/internal/models"
)

// MemoryRecordRepository is an in-memory RecordRepository used by tests and
// single-node mode. Same optimistic-locking semantics as the postgres
// implementation.
type MemoryRecordRepository struct {
	mu      sync.Mutex
	records map[string]*models.Record
}

func NewMemoryRecordRepository() *MemoryRecordRepository {
	return &MemoryRecordRepository{records: make(map[string]*models.Record)}
}

func (r *MemoryRecordRepository) Get(ctx context.Context, recordID string) (*models.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[recordID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *record
	copied.Data = maps.Clone(record.Data)
	return &copied, nil
}

func (r *MemoryRecordRepository) CurrentVersion(ctx context.Context, recordID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[recordID]
	if !ok {
		return 0, nil
	}
	return record.Version, nil
}

func (r *MemoryRecordRepository) Apply(ctx context.Context, record *models.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.records[record.RecordID]
	if !ok {
		if record.Version != 1 {
			return ErrVersionConflict
		}
	} else if existing.Version != record.Version-1 {
		return ErrVersionConflict
	}

	stored := *record
	stored.Data = maps.Clone(record.Data)
	stored.UpdatedAt = time.Now().UTC()
	r.records[record.RecordID] = &stored
	record.UpdatedAt = stored.UpdatedAt
	return nil
}

// Len reports how many records the store holds.
func (r *MemoryRecordRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}
