package attendance

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Status is a per-student attendance status.
type Status string

// Recognized statuses. Present is the default when a mark omits one.
const (
	StatusPresent Status = "present"
	StatusAbsent  Status = "absent"
	StatusLate    Status = "late"
)

// Valid reports whether s is a recognized status.
func (s Status) Valid() bool {
	switch s {
	case StatusPresent, StatusAbsent, StatusLate:
		return true
	}
	return false
}

// StudentEntry is one student's status within a day's record. A student has
// at most one entry per record; re-marking overwrites it in place.
type StudentEntry struct {
	StudentID string    `bson:"student_id" json:"studentId"`
	Status    Status    `bson:"status" json:"status"`
	Notes     string    `bson:"notes,omitempty" json:"notes,omitempty"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
}

// Record is the attendance record for one (class, calendar day). The pair is
// unique across the collection, enforced by a storage-level index.
type Record struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	ClassID   string             `bson:"class_id" json:"classId"`
	Date      time.Time          `bson:"date" json:"date"`
	Students  []StudentEntry     `bson:"students" json:"students"`
	TakenBy   string             `bson:"taken_by" json:"takenBy"`
	CreatedAt time.Time          `bson:"created_at" json:"createdAt"`
	UpdatedAt time.Time          `bson:"updated_at" json:"updatedAt"`
}

// Entry returns the entry for studentID, or nil.
func (r *Record) Entry(studentID string) *StudentEntry {
	if r == nil {
		return nil
	}
	for i := range r.Students {
		if r.Students[i].StudentID == studentID {
			return &r.Students[i]
		}
	}
	return nil
}

// DayBucket normalizes an instant to its canonical start-of-day in UTC.
// Every record date and every (class, date) lookup goes through this.
func DayBucket(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// BulkFailure reports one student that could not be marked in a bulk pass.
type BulkFailure struct {
	StudentID string `json:"studentId"`
	Reason    string `json:"reason"`
}

// BulkResult summarizes a bulk mark: how many entries settled, which
// students failed, and the final authoritative record.
type BulkResult struct {
	Marked   int           `json:"marked"`
	Failures []BulkFailure `json:"failures,omitempty"`
	Record   *Record       `json:"record,omitempty"`
}
