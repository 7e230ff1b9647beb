package capture

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollcall/internal/attendance"
	"rollcall/internal/roster"
)

func testView() *View {
	enrolled := []roster.Student{
		{StudentID: "s1", Name: "Ada"},
		{StudentID: "s2", Name: "Grace"},
		{StudentID: "s3", Name: "Edsger"},
	}
	return NewView("c1", time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), enrolled)
}

func rowByID(rows []Row, id string) *Row {
	for i := range rows {
		if rows[i].StudentID == id {
			return &rows[i]
		}
	}
	return nil
}

func TestViewUnmarkedStudents(t *testing.T) {
	v := testView()
	rows := v.Rows()
	require.Len(t, rows, 3)
	for _, row := range rows {
		assert.True(t, row.Unmarked)
		assert.Empty(t, row.Status)
	}
}

func TestViewOverlayBeatsStaleRecord(t *testing.T) {
	v := testView()
	v.SetRecord(&attendance.Record{
		ClassID: "c1",
		Students: []attendance.StudentEntry{
			{StudentID: "s1", Status: attendance.StatusAbsent, Timestamp: time.Now().UTC()},
		},
	})

	// A just-applied local mark wins over the not-yet-refreshed record.
	v.Apply(attendance.StudentEntry{StudentID: "s1", Status: attendance.StatusLate, Timestamp: time.Now().UTC()})

	row := rowByID(v.Rows(), "s1")
	require.NotNil(t, row)
	assert.Equal(t, attendance.StatusLate, row.Status)
	assert.False(t, row.Unmarked)
}

func TestViewRefreshClearsOverlay(t *testing.T) {
	v := testView()
	v.Apply(attendance.StudentEntry{StudentID: "s2", Status: attendance.StatusPresent, Timestamp: time.Now().UTC()})

	// Authoritative fetch lands with a different truth; overlay is gone.
	v.SetRecord(&attendance.Record{
		ClassID: "c1",
		Students: []attendance.StudentEntry{
			{StudentID: "s2", Status: attendance.StatusLate, Timestamp: time.Now().UTC()},
		},
	})

	row := rowByID(v.Rows(), "s2")
	require.NotNil(t, row)
	assert.Equal(t, attendance.StatusLate, row.Status)
}

func TestViewCSVExport(t *testing.T) {
	v := testView()
	v.SetRecord(&attendance.Record{
		ClassID: "c1",
		Students: []attendance.StudentEntry{
			{StudentID: "s1", Status: attendance.StatusPresent, Timestamp: time.Date(2024, 3, 1, 9, 15, 0, 0, time.UTC)},
			{StudentID: "s2", Status: attendance.StatusLate}, // no timestamp recorded
		},
	})

	var buf bytes.Buffer
	require.NoError(t, v.WriteCSV(&buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "name,student_id,status,time,date", lines[0])
	assert.Equal(t, "Ada,s1,present,09:15:00,2024-03-01", lines[1])
	// Enrolled but unmarked students are reported, not defaulted.
	assert.Equal(t, "Edsger,s3,not_marked,-,2024-03-01", lines[2])
	// Missing timestamp renders a placeholder rather than failing.
	assert.Equal(t, "Grace,s2,late,-,2024-03-01", lines[3])
}

func TestGuardScopeReset(t *testing.T) {
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	g := NewGuard("c1", day)
	g.Add("s1")

	// Same scope: no-op.
	g.Reset("c1", day.Add(4*time.Hour))
	assert.True(t, g.Seen("s1"))

	// Date change clears the guard.
	g.Reset("c1", day.AddDate(0, 0, 1))
	assert.False(t, g.Seen("s1"))

	// Class change clears it too.
	g.Add("s1")
	g.Reset("c2", day.AddDate(0, 0, 1))
	assert.False(t, g.Seen("s1"))
}
