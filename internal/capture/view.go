package capture

import (
	"encoding/csv"
	"io"
	"sort"
	"sync"
	"time"

	"rollcall/internal/attendance"
	"rollcall/internal/roster"
)

// View reconciles the authoritative attendance record with marks applied
// locally since the last fetch. Two layers, merged only for display: the
// server-confirmed record, and a transient overlay of just-applied marks
// that is cleared whenever a fresh authoritative record arrives.
type View struct {
	mu      sync.Mutex
	classID string
	day     time.Time
	roster  []roster.Student
	record  *attendance.Record
	overlay map[string]attendance.StudentEntry
}

// NewView creates a view over the class roster for one day.
func NewView(classID string, date time.Time, enrolled []roster.Student) *View {
	return &View{
		classID: classID,
		day:     attendance.DayBucket(date),
		roster:  enrolled,
		overlay: make(map[string]attendance.StudentEntry),
	}
}

// Apply records an optimistic local mark, shown until the next successful
// authoritative fetch.
func (v *View) Apply(entry attendance.StudentEntry) {
	v.mu.Lock()
	v.overlay[entry.StudentID] = entry
	v.mu.Unlock()
}

// SetRecord installs a fresh authoritative record and clears the overlay.
func (v *View) SetRecord(rec *attendance.Record) {
	v.mu.Lock()
	v.record = rec
	v.overlay = make(map[string]attendance.StudentEntry)
	v.mu.Unlock()
}

// Row is one enrolled student's reconciled display state. Unmarked students
// carry no status at all rather than a defaulted one.
type Row struct {
	StudentID string
	Name      string
	Status    attendance.Status
	Notes     string
	Timestamp time.Time
	Unmarked  bool
}

// Rows returns one row per enrolled student, overlay entries taking
// precedence over the record.
func (v *View) Rows() []Row {
	v.mu.Lock()
	defer v.mu.Unlock()

	rows := make([]Row, 0, len(v.roster))
	for _, st := range v.roster {
		row := Row{StudentID: st.StudentID, Name: st.Name, Unmarked: true}
		if entry := v.record.Entry(st.StudentID); entry != nil {
			row.Status = entry.Status
			row.Notes = entry.Notes
			row.Timestamp = entry.Timestamp
			row.Unmarked = false
		}
		if entry, ok := v.overlay[st.StudentID]; ok {
			row.Status = entry.Status
			row.Notes = entry.Notes
			row.Timestamp = entry.Timestamp
			row.Unmarked = false
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Name < rows[j].Name })
	return rows
}

// WriteCSV exports the reconciled view as a flat table. Missing or invalid
// timestamps render as a placeholder instead of failing the export.
func (v *View) WriteCSV(w io.Writer) error {
	v.mu.Lock()
	day := v.day
	v.mu.Unlock()

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"name", "student_id", "status", "time", "date"}); err != nil {
		return err
	}
	date := day.Format("2006-01-02")
	for _, row := range v.Rows() {
		status := string(row.Status)
		if row.Unmarked {
			status = "not_marked"
		}
		ts := "-"
		if !row.Timestamp.IsZero() {
			ts = row.Timestamp.UTC().Format("15:04:05")
		}
		if err := cw.Write([]string{row.Name, row.StudentID, status, ts, date}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
