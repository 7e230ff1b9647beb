package attendance

import (
	"context"
	"sync"
	"time"
)

// MemoryRepository is a mutex-guarded in-memory Repository with the same
// semantics as the Mongo one, including the uniqueness violation on create.
// It backs tests and the scanner's offline dry-run mode.
type MemoryRepository struct {
	mu      sync.Mutex
	records map[memKey]*Record
}

type memKey struct {
	classID string
	day     time.Time
}

// NewMemoryRepository creates an empty in-memory store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[memKey]*Record)}
}

func (r *MemoryRepository) GetByClassDay(_ context.Context, classID string, day time.Time) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[memKey{classID, day}]
	if !ok {
		return nil, nil
	}
	cp := *rec
	cp.Students = append([]StudentEntry(nil), rec.Students...)
	return &cp, nil
}

func (r *MemoryRepository) Create(_ context.Context, rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := memKey{rec.ClassID, rec.Date}
	if _, exists := r.records[key]; exists {
		return ErrDuplicateRecord
	}
	cp := *rec
	cp.Students = append([]StudentEntry(nil), rec.Students...)
	r.records[key] = &cp
	return nil
}

func (r *MemoryRepository) SetEntry(_ context.Context, classID string, day time.Time, entry StudentEntry) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[memKey{classID, day}]
	if !ok {
		return false, nil
	}
	for i := range rec.Students {
		if rec.Students[i].StudentID == entry.StudentID {
			rec.Students[i] = entry
			rec.UpdatedAt = time.Now().UTC()
			return true, nil
		}
	}
	return false, nil
}

func (r *MemoryRepository) AddEntry(_ context.Context, classID string, day time.Time, entry StudentEntry) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[memKey{classID, day}]
	if !ok {
		return false, nil
	}
	for i := range rec.Students {
		if rec.Students[i].StudentID == entry.StudentID {
			return false, nil
		}
	}
	rec.Students = append(rec.Students, entry)
	rec.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *MemoryRepository) CountByStatus(_ context.Context, classID string, from, to time.Time) (map[Status]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[Status]int)
	for key, rec := range r.records {
		if key.classID != classID || key.day.Before(from) || key.day.After(to) {
			continue
		}
		for _, entry := range rec.Students {
			counts[entry.Status]++
		}
	}
	return counts, nil
}
