package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rollcall/internal/identity"
	"rollcall/internal/roster"
)

// Directory is the slice of the student/class collaborators the engine
// consumes. *roster.Repository satisfies it.
type Directory interface {
	GetStudent(ctx context.Context, studentID string) (*roster.Student, error)
	GetClass(ctx context.Context, classID string) (*roster.Class, error)
	ListEnrolled(ctx context.Context, classID string) ([]roster.Student, error)
	FeeStatus(ctx context.Context, studentID string) string
}

// Service is the authority for day-bucketed attendance records.
type Service struct {
	repo Repository
	dir  Directory
}

// NewService creates a service backed by a repository and the collaborators.
func NewService(repo Repository, dir Directory) *Service {
	return &Service{repo: repo, dir: dir}
}

// maxUpsertAttempts bounds the create-race recovery loop. One retry settles
// the common race; the bound guards against a broken storage layer.
const maxUpsertAttempts = 3

// MarkStatus upserts one student's status for (classID, day of date).
// Idempotent: marking the same arguments twice leaves a single entry with
// the latest status, notes, and timestamp.
func (s *Service) MarkStatus(ctx context.Context, classID string, date time.Time, studentID string, status Status, notes, operatorID string) (*Record, error) {
	if status == "" {
		status = StatusPresent
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if _, err := s.requireClass(ctx, classID); err != nil {
		return nil, err
	}
	if err := s.requireStudent(ctx, studentID); err != nil {
		return nil, err
	}
	entry := StudentEntry{
		StudentID: studentID,
		Status:    status,
		Notes:     notes,
		Timestamp: time.Now().UTC(),
	}
	return s.upsertEntry(ctx, classID, DayBucket(date), entry, operatorID)
}

// upsertEntry settles one entry against the unique (class, day) record.
// Order matters: overwrite an existing entry, else append to an existing
// record, else create the record. Losing the creation race means the record
// exists now, so the loop retries as an update instead of surfacing the
// uniqueness violation.
func (s *Service) upsertEntry(ctx context.Context, classID string, day time.Time, entry StudentEntry, operatorID string) (*Record, error) {
	for attempt := 0; attempt < maxUpsertAttempts; attempt++ {
		matched, err := s.repo.SetEntry(ctx, classID, day, entry)
		if err != nil {
			return nil, err
		}
		if matched {
			return s.repo.GetByClassDay(ctx, classID, day)
		}

		added, err := s.repo.AddEntry(ctx, classID, day, entry)
		if err != nil {
			return nil, err
		}
		if added {
			return s.repo.GetByClassDay(ctx, classID, day)
		}

		now := time.Now().UTC()
		rec := &Record{
			ClassID:   classID,
			Date:      day,
			Students:  []StudentEntry{entry},
			TakenBy:   operatorID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		err = s.repo.Create(ctx, rec)
		if err == nil {
			return s.repo.GetByClassDay(ctx, classID, day)
		}
		if !errors.Is(err, ErrDuplicateRecord) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("mark for student %s in class %s did not settle after %d attempts", entry.StudentID, classID, maxUpsertAttempts)
}

// BulkMarkStatus applies the same upsert for every student independently.
// With no explicit ids it targets every currently-enrolled student. One
// student failing never aborts the rest; failures are collected.
func (s *Service) BulkMarkStatus(ctx context.Context, classID string, date time.Time, status Status, studentIDs []string, operatorID string) (*BulkResult, error) {
	if status == "" {
		status = StatusPresent
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if _, err := s.requireClass(ctx, classID); err != nil {
		return nil, err
	}

	if len(studentIDs) == 0 {
		enrolled, err := s.dir.ListEnrolled(ctx, classID)
		if err != nil {
			return nil, err
		}
		for _, st := range enrolled {
			studentIDs = append(studentIDs, st.StudentID)
		}
	}

	day := DayBucket(date)
	res := &BulkResult{}
	for _, id := range studentIDs {
		if err := s.requireStudent(ctx, id); err != nil {
			res.Failures = append(res.Failures, BulkFailure{StudentID: id, Reason: err.Error()})
			continue
		}
		entry := StudentEntry{StudentID: id, Status: status, Timestamp: time.Now().UTC()}
		if _, err := s.upsertEntry(ctx, classID, day, entry, operatorID); err != nil {
			res.Failures = append(res.Failures, BulkFailure{StudentID: id, Reason: err.Error()})
			continue
		}
		res.Marked++
	}

	rec, err := s.repo.GetByClassDay(ctx, classID, day)
	if err != nil {
		return nil, err
	}
	res.Record = rec
	return res, nil
}

// Get returns the record for (classID, day of date), or nil when none.
func (s *Service) Get(ctx context.Context, classID string, date time.Time) (*Record, error) {
	return s.repo.GetByClassDay(ctx, classID, DayBucket(date))
}

// Stats aggregates entry counts per status over [start, end] day buckets.
func (s *Service) Stats(ctx context.Context, classID string, start, end time.Time) (map[Status]int, error) {
	if end.IsZero() {
		end = start
	}
	counts, err := s.repo.CountByStatus(ctx, classID, DayBucket(start), DayBucket(end))
	if err != nil {
		return nil, err
	}
	for _, st := range []Status{StatusPresent, StatusAbsent, StatusLate} {
		if _, ok := counts[st]; !ok {
			counts[st] = 0
		}
	}
	return counts, nil
}

// ScanResult is a decoded, enrollment-checked scan ready for confirmation.
type ScanResult struct {
	Payload   identity.Payload `json:"payload"`
	Student   roster.Student   `json:"student"`
	FeeStatus string           `json:"feeStatus"`
}

// Scan decodes a raw identity token and checks the student against the
// class roster. The fee status is a courtesy read from the payment
// collaborator and never fails the scan.
func (s *Service) Scan(ctx context.Context, classID string, raw any) (*ScanResult, error) {
	payload, err := identity.Decode(raw)
	if err != nil {
		return nil, err
	}
	student, err := s.dir.GetStudent(ctx, payload.StudentID)
	if err != nil {
		return nil, err
	}
	if student == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStudent, payload.StudentID)
	}
	if !student.IsEnrolled(classID) {
		return nil, fmt.Errorf("%w: %s in %s", ErrNotEnrolled, payload.StudentID, classID)
	}
	return &ScanResult{
		Payload:   payload,
		Student:   *student,
		FeeStatus: s.dir.FeeStatus(ctx, student.StudentID),
	}, nil
}

func (s *Service) requireClass(ctx context.Context, classID string) (*roster.Class, error) {
	if classID == "" {
		return nil, fmt.Errorf("%w: empty id", ErrUnknownClass)
	}
	class, err := s.dir.GetClass(ctx, classID)
	if err != nil {
		return nil, err
	}
	if class == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClass, classID)
	}
	return class, nil
}

func (s *Service) requireStudent(ctx context.Context, studentID string) error {
	if studentID == "" {
		return fmt.Errorf("%w: empty id", ErrUnknownStudent)
	}
	student, err := s.dir.GetStudent(ctx, studentID)
	if err != nil {
		return err
	}
	if student == nil {
		return fmt.Errorf("%w: %s", ErrUnknownStudent, studentID)
	}
	return nil
}
