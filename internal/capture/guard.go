package capture

import (
	"sync"
	"time"

	"rollcall/internal/attendance"
)

// Guard is the session-scoped dedup memory: the set of students already
// confirmed present in the current (class, day) view. A guard hit turns a
// would-be success into a warning before any write happens.
type Guard struct {
	mu      sync.Mutex
	classID string
	day     time.Time
	seen    map[string]struct{}
}

// NewGuard creates a guard scoped to (classID, day of date).
func NewGuard(classID string, date time.Time) *Guard {
	return &Guard{
		classID: classID,
		day:     attendance.DayBucket(date),
		seen:    make(map[string]struct{}),
	}
}

// Seen reports whether studentID was already confirmed present.
func (g *Guard) Seen(studentID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.seen[studentID]
	return ok
}

// Add records a confirmed present mark.
func (g *Guard) Add(studentID string) {
	g.mu.Lock()
	g.seen[studentID] = struct{}{}
	g.mu.Unlock()
}

// Reset clears the guard when the selected class or date changes. Resetting
// to the same scope is a no-op.
func (g *Guard) Reset(classID string, date time.Time) {
	day := attendance.DayBucket(date)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.classID == classID && g.day.Equal(day) {
		return
	}
	g.classID = classID
	g.day = day
	g.seen = make(map[string]struct{})
}

// RefreshFromRecord replaces the set with the authoritative record's
// present students. Called after every successful mark.
func (g *Guard) RefreshFromRecord(rec *attendance.Record) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seen = make(map[string]struct{})
	if rec == nil {
		return
	}
	for _, entry := range rec.Students {
		if entry.Status == attendance.StatusPresent {
			g.seen[entry.StudentID] = struct{}{}
		}
	}
}
