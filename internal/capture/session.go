package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"rollcall/internal/attendance"
	"rollcall/internal/identity"
)

// State of a capture session.
type State string

const (
	StateIdle       State = "idle"
	StateRequesting State = "requesting-permission"
	StateScanning   State = "scanning"
	StateProcessing State = "processing"
	StateSuccess    State = "success"
	StateWarning    State = "warning"
	StateError      State = "error"
	StateStopped    State = "stopped"
)

// ErrNoPendingScan is returned by Confirm/Dismiss when no scan awaits
// resolution.
var ErrNoPendingScan = errors.New("no scan awaiting confirmation")

// ErrSessionStopped is returned when an operation races a stop.
var ErrSessionStopped = errors.New("capture session stopped")

// Change is delivered to the OnChange hook on every state transition.
// Pending is set while in StateSuccess and carries the scan awaiting the
// operator's confirmation.
type Change struct {
	State   State
	Message string
	Pending *attendance.ScanResult
}

// Marker is the slice of the attendance engine a session drives.
// *attendance.Service satisfies it.
type Marker interface {
	Scan(ctx context.Context, classID string, raw any) (*attendance.ScanResult, error)
	MarkStatus(ctx context.Context, classID string, date time.Time, studentID string, status attendance.Status, notes, operatorID string) (*attendance.Record, error)
	Get(ctx context.Context, classID string, date time.Time) (*attendance.Record, error)
}

// Options tune a session.
type Options struct {
	// ResumeDelay is how long warning/error states stay visible before the
	// session returns to scanning.
	ResumeDelay time.Duration
	// OnChange, when set, observes every state transition.
	OnChange func(Change)
	// View, when set, receives optimistic marks and authoritative refreshes.
	View *View
}

// Session owns the capture device for one operator-initiated scanning
// interaction against one (class, date). The device stream is acquired on
// Start and released exactly once on stop, error, or teardown.
type Session struct {
	ID         string
	dev        Device
	svc        Marker
	classID    string
	date       time.Time
	operatorID string
	opts       Options
	guard      *Guard

	mu      sync.Mutex
	state   State
	pending *attendance.ScanResult
	stream  Stream
	cancel  context.CancelFunc

	confirmCh chan confirmRequest
	done      chan struct{}
	loopDone  chan struct{}
	stopOnce  sync.Once
}

type confirmRequest struct {
	status  attendance.Status
	notes   string
	dismiss bool
	reply   chan error
}

// NewSession creates an idle session; nothing is acquired until Start.
func NewSession(dev Device, svc Marker, classID string, date time.Time, operatorID string, opts Options) *Session {
	if opts.ResumeDelay <= 0 {
		opts.ResumeDelay = 2 * time.Second
	}
	return &Session{
		ID:         uuid.NewString(),
		dev:        dev,
		svc:        svc,
		classID:    classID,
		date:       date,
		operatorID: operatorID,
		opts:       opts,
		guard:      NewGuard(classID, date),
		state:      StateIdle,
		confirmCh:  make(chan confirmRequest),
		done:       make(chan struct{}),
		loopDone:   make(chan struct{}),
	}
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pending returns the scan awaiting confirmation, if any.
func (s *Session) Pending() *attendance.ScanResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Guard exposes the session's dedup guard.
func (s *Session) Guard() *Guard { return s.guard }

// Start acquires the device and begins the frame loop. On acquisition
// failure the session lands in the error state but remains stoppable.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("cannot start session in state %s", state)
	}
	s.mu.Unlock()
	s.setState(StateRequesting, "requesting device access", nil)

	stream, err := s.dev.Acquire(ctx)
	if err != nil {
		s.setState(StateError, "device unavailable: "+err.Error(), nil)
		if errors.Is(err, ErrDeviceBusy) || errors.Is(err, ErrCaptureUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.stream = stream
	s.cancel = cancel
	s.mu.Unlock()
	s.setState(StateScanning, "scanning", nil)

	// Seed the guard from today's authoritative record so a restart of the
	// console does not re-announce students marked minutes ago.
	if rec, err := s.svc.Get(loopCtx, s.classID, s.date); err == nil {
		s.guard.RefreshFromRecord(rec)
		if s.opts.View != nil {
			s.opts.View.SetRecord(rec)
		}
	}

	go s.loop(loopCtx, stream)
	return nil
}

// Stop moves the session to its terminal state and releases the device
// stream. Safe to call from any state, any number of times, concurrently.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		stream := s.stream
		cancel := s.cancel
		s.state = StateStopped
		s.pending = nil
		change := Change{State: StateStopped, Message: "stopped"}
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if stream != nil {
			_ = stream.Release()
		}
		close(s.done)
		if s.opts.OnChange != nil {
			s.opts.OnChange(change)
		}
	})
}

// Confirm resolves the pending scan by marking the student with status.
// An empty status marks present.
func (s *Session) Confirm(status attendance.Status, notes string) error {
	return s.sendConfirm(confirmRequest{status: status, notes: notes, reply: make(chan error, 1)})
}

// Dismiss abandons the pending scan without writing anything.
func (s *Session) Dismiss() error {
	return s.sendConfirm(confirmRequest{dismiss: true, reply: make(chan error, 1)})
}

func (s *Session) sendConfirm(req confirmRequest) error {
	s.mu.Lock()
	if s.state != StateSuccess {
		state := s.state
		s.mu.Unlock()
		if state == StateStopped {
			return ErrSessionStopped
		}
		return ErrNoPendingScan
	}
	s.mu.Unlock()

	select {
	case s.confirmCh <- req:
		return <-req.reply
	case <-s.done:
		return ErrSessionStopped
	}
}

// loop consumes frames one at a time; frame consumption is suspended while
// a frame is being processed or awaiting confirmation.
func (s *Session) loop(ctx context.Context, stream Stream) {
	defer close(s.loopDone)
	for {
		select {
		case <-ctx.Done():
			// Owner teardown via context; the stream must still be released.
			s.Stop()
			return
		case frame, ok := <-stream.Frames():
			if !ok {
				// Device went away underneath us.
				s.Stop()
				return
			}
			s.handleFrame(ctx, frame)
		}
	}
}

func (s *Session) handleFrame(ctx context.Context, frame string) {
	s.setState(StateProcessing, "processing scan", nil)

	res, err := s.svc.Scan(ctx, s.classID, frame)
	if err != nil {
		switch {
		case errors.Is(err, attendance.ErrNotEnrolled):
			s.pause(ctx, StateWarning, "student is not enrolled in this class")
		case errors.Is(err, identity.ErrInvalidPayload),
			errors.Is(err, identity.ErrMissingType),
			errors.Is(err, identity.ErrUnsupportedType):
			s.pause(ctx, StateError, "unrecognized code: "+err.Error())
		default:
			s.pause(ctx, StateError, "scan failed: "+err.Error())
		}
		return
	}

	if s.guard.Seen(res.Student.StudentID) {
		s.pause(ctx, StateWarning, res.Student.Name+" is already marked present")
		return
	}

	s.mu.Lock()
	s.pending = res
	s.mu.Unlock()
	s.setState(StateSuccess, "confirm attendance for "+res.Student.Name, res)

	select {
	case <-ctx.Done():
		return
	case req := <-s.confirmCh:
		s.resolvePending(ctx, res, req)
	}
}

func (s *Session) resolvePending(ctx context.Context, res *attendance.ScanResult, req confirmRequest) {
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()

	if req.dismiss {
		req.reply <- nil
		s.setState(StateScanning, "scanning", nil)
		return
	}

	status := req.status
	if status == "" {
		status = attendance.StatusPresent
	}
	if s.opts.View != nil {
		// Optimistic overlay; replaced by the authoritative fetch below.
		s.opts.View.Apply(attendance.StudentEntry{
			StudentID: res.Student.StudentID,
			Status:    status,
			Notes:     req.notes,
			Timestamp: time.Now().UTC(),
		})
	}

	_, err := s.svc.MarkStatus(ctx, s.classID, s.date, res.Student.StudentID, status, req.notes, s.operatorID)
	if err != nil {
		req.reply <- err
		s.pause(ctx, StateError, "mark failed: "+err.Error())
		return
	}

	if rec, gerr := s.svc.Get(ctx, s.classID, s.date); gerr == nil {
		s.guard.RefreshFromRecord(rec)
		if s.opts.View != nil {
			s.opts.View.SetRecord(rec)
		}
	} else if status == attendance.StatusPresent {
		// Refresh failed; remember the mark locally so a rescan still warns.
		s.guard.Add(res.Student.StudentID)
	}

	req.reply <- nil
	s.setState(StateScanning, "scanning", nil)
}

// pause shows a transient warning/error and returns to scanning after the
// display interval, unless the session stops first.
func (s *Session) pause(ctx context.Context, state State, msg string) {
	s.setState(state, msg, nil)
	select {
	case <-ctx.Done():
		return
	case <-time.After(s.opts.ResumeDelay):
	}
	s.setState(StateScanning, "scanning", nil)
}

func (s *Session) setState(state State, msg string, pending *attendance.ScanResult) {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	s.state = state
	change := Change{State: state, Message: msg, Pending: pending}
	hook := s.opts.OnChange
	s.mu.Unlock()

	if hook != nil {
		hook(change)
	}
}
