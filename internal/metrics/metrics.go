package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Marks counts accepted attendance marks by status.
var Marks = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "rollcall_marks_total",
	Help: "Accepted attendance marks by status.",
}, []string{"status"})

// Scans counts scan attempts by outcome (ok, invalid_payload, not_enrolled,
// unknown_student, error).
var Scans = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "rollcall_scans_total",
	Help: "Identity scans by outcome.",
}, []string{"outcome"})

// BulkFailures counts students that failed inside bulk marks.
var BulkFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "rollcall_bulk_mark_failures_total",
	Help: "Students that could not be marked during bulk operations.",
})
