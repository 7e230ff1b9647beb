package attendance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollcall/internal/identity"
	"rollcall/internal/roster"
)

type fakeDir struct {
	students map[string]*roster.Student
	classes  map[string]*roster.Class
	fees     map[string]string
}

func newFakeDir() *fakeDir {
	return &fakeDir{
		students: make(map[string]*roster.Student),
		classes:  make(map[string]*roster.Class),
		fees:     make(map[string]string),
	}
}

func (d *fakeDir) addClass(id string) {
	d.classes[id] = &roster.Class{ClassID: id, Name: "Class " + id}
}

func (d *fakeDir) addStudent(id, name string, classIDs ...string) {
	refs := make([]roster.ClassRef, 0, len(classIDs))
	for _, c := range classIDs {
		refs = append(refs, roster.ClassRef{ID: c})
	}
	d.students[id] = &roster.Student{StudentID: id, Name: name, Classes: refs}
}

func (d *fakeDir) GetStudent(_ context.Context, id string) (*roster.Student, error) {
	return d.students[id], nil
}

func (d *fakeDir) GetClass(_ context.Context, id string) (*roster.Class, error) {
	return d.classes[id], nil
}

func (d *fakeDir) ListEnrolled(_ context.Context, classID string) ([]roster.Student, error) {
	var out []roster.Student
	for _, s := range d.students {
		if s.IsEnrolled(classID) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (d *fakeDir) FeeStatus(_ context.Context, id string) string {
	if status, ok := d.fees[id]; ok {
		return status
	}
	return roster.FeeUnknown
}

func newTestService(t *testing.T) (*Service, *MemoryRepository, *fakeDir) {
	t.Helper()
	repo := NewMemoryRepository()
	dir := newFakeDir()
	dir.addClass("c1")
	dir.addStudent("s1", "Ada", "c1")
	dir.addStudent("s2", "Grace", "c1")
	dir.addStudent("s3", "Edsger", "c1")
	return NewService(repo, dir), repo, dir
}

var march1 = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func TestMarkStatusCreatesThenOverwrites(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	rec, err := svc.MarkStatus(ctx, "c1", march1, "s1", StatusPresent, "", "op-1")
	require.NoError(t, err)
	require.Len(t, rec.Students, 1)
	assert.Equal(t, StatusPresent, rec.Students[0].Status)
	assert.Equal(t, "op-1", rec.TakenBy)
	assert.Equal(t, DayBucket(march1), rec.Date)

	// Re-mark the same student late: still one record, one entry, overwritten.
	rec, err = svc.MarkStatus(ctx, "c1", march1, "s1", StatusLate, "overslept", "op-1")
	require.NoError(t, err)
	require.Len(t, rec.Students, 1)
	assert.Equal(t, StatusLate, rec.Students[0].Status)
	assert.Equal(t, "overslept", rec.Students[0].Notes)
}

func TestMarkStatusIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.MarkStatus(ctx, "c1", march1, "s1", StatusAbsent, "sick", "op-1")
	require.NoError(t, err)
	rec, err := svc.MarkStatus(ctx, "c1", march1, "s1", StatusAbsent, "sick", "op-1")
	require.NoError(t, err)

	require.Len(t, rec.Students, 1)
	assert.Equal(t, StatusAbsent, rec.Students[0].Status)
	assert.Equal(t, "sick", rec.Students[0].Notes)
}

func TestMarkStatusDayBucket(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	morning := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	evening := time.Date(2024, 3, 1, 22, 45, 0, 0, time.UTC)

	_, err := svc.MarkStatus(ctx, "c1", morning, "s1", StatusPresent, "", "op-1")
	require.NoError(t, err)
	rec, err := svc.MarkStatus(ctx, "c1", evening, "s2", StatusPresent, "", "op-1")
	require.NoError(t, err)

	// Both marks land in the same day bucket.
	assert.Len(t, rec.Students, 2)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), rec.Date)
}

func TestMarkStatusDefaultsToPresent(t *testing.T) {
	svc, _, _ := newTestService(t)

	rec, err := svc.MarkStatus(context.Background(), "c1", march1, "s1", "", "", "op-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPresent, rec.Students[0].Status)
}

func TestMarkStatusValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.MarkStatus(ctx, "c1", march1, "s1", "asleep", "", "op-1")
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = svc.MarkStatus(ctx, "nope", march1, "s1", StatusPresent, "", "op-1")
	assert.ErrorIs(t, err, ErrUnknownClass)

	_, err = svc.MarkStatus(ctx, "c1", march1, "ghost", StatusPresent, "", "op-1")
	assert.ErrorIs(t, err, ErrUnknownStudent)
}

// racingRepo simulates losing the creation race: the first Create lets a
// competitor insert the record first, then reports the uniqueness violation.
type racingRepo struct {
	*MemoryRepository
	once       sync.Once
	competitor StudentEntry
}

func (r *racingRepo) Create(ctx context.Context, rec *Record) error {
	var raced bool
	r.once.Do(func() {
		raced = true
		now := time.Now().UTC()
		_ = r.MemoryRepository.Create(ctx, &Record{
			ClassID:   rec.ClassID,
			Date:      rec.Date,
			Students:  []StudentEntry{r.competitor},
			TakenBy:   "op-other",
			CreatedAt: now,
			UpdatedAt: now,
		})
	})
	if raced {
		return ErrDuplicateRecord
	}
	return r.MemoryRepository.Create(ctx, rec)
}

func TestCreateRaceRetriesAsUpdate(t *testing.T) {
	dir := newFakeDir()
	dir.addClass("c1")
	dir.addStudent("s1", "Ada", "c1")
	repo := &racingRepo{
		MemoryRepository: NewMemoryRepository(),
		competitor:       StudentEntry{StudentID: "s2", Status: StatusPresent, Timestamp: time.Now().UTC()},
	}
	svc := NewService(repo, dir)

	rec, err := svc.MarkStatus(context.Background(), "c1", march1, "s1", StatusPresent, "", "op-1")
	require.NoError(t, err)

	// One record holding the competitor's entry and ours.
	require.Len(t, rec.Students, 2)
	require.NotNil(t, rec.Entry("s1"))
	require.NotNil(t, rec.Entry("s2"))
}

func TestConcurrentFirstMarksConverge(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	day := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for _, id := range []string{"s1", "s2", "s3"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := svc.MarkStatus(ctx, "c1", day, id, StatusPresent, "", "op-1")
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	rec, err := repo.GetByClassDay(ctx, "c1", day)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Len(t, rec.Students, 3)
}

func TestBulkMarkCollectsFailures(t *testing.T) {
	svc, _, dir := newTestService(t)
	dir.addStudent("s4", "Barbara", "c1")

	ids := []string{"s1", "s2", "s3", "s4", "ghost"}
	res, err := svc.BulkMarkStatus(context.Background(), "c1", march1, StatusAbsent, ids, "op-1")
	require.NoError(t, err)

	assert.Equal(t, 4, res.Marked)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "ghost", res.Failures[0].StudentID)
	require.NotNil(t, res.Record)
	assert.Len(t, res.Record.Students, 4)
	for _, entry := range res.Record.Students {
		assert.Equal(t, StatusAbsent, entry.Status)
	}
}

func TestBulkMarkDefaultsToEnrolled(t *testing.T) {
	svc, _, _ := newTestService(t)

	res, err := svc.BulkMarkStatus(context.Background(), "c1", march1, StatusPresent, nil, "op-1")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Marked)
	assert.Empty(t, res.Failures)
}

func TestScan(t *testing.T) {
	svc, _, dir := newTestService(t)
	dir.fees["s1"] = roster.FeePaid
	ctx := context.Background()

	token, err := identity.Encode("s1", "Ada")
	require.NoError(t, err)

	res, err := svc.Scan(ctx, "c1", token)
	require.NoError(t, err)
	assert.Equal(t, "s1", res.Student.StudentID)
	assert.Equal(t, roster.FeePaid, res.FeeStatus)

	// Valid identity, wrong class.
	dir.addClass("c2")
	_, err = svc.Scan(ctx, "c2", token)
	assert.ErrorIs(t, err, ErrNotEnrolled)

	// Unknown student.
	ghost, err := identity.Encode("ghost", "")
	require.NoError(t, err)
	_, err = svc.Scan(ctx, "c1", ghost)
	assert.ErrorIs(t, err, ErrUnknownStudent)

	// Decode failures pass through typed.
	_, err = svc.Scan(ctx, "c1", `{"studentId":"s1"}`)
	assert.ErrorIs(t, err, identity.ErrMissingType)
	_, err = svc.Scan(ctx, "c1", "not json")
	assert.ErrorIs(t, err, identity.ErrInvalidPayload)
}

func TestStatsZeroFilled(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.MarkStatus(ctx, "c1", march1, "s1", StatusLate, "", "op-1")
	require.NoError(t, err)

	counts, err := svc.Stats(ctx, "c1", march1, march1)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StatusLate])
	assert.Equal(t, 0, counts[StatusPresent])
	assert.Equal(t, 0, counts[StatusAbsent])
}
