// Package progress implements the shared cancellation/reporting contract
// every long operation reports through.
package progress

import (
	"fmt"
	"sync"
	"time"
)

// Progress is read by a UI thread and written by the operation that owns
// it; every field access goes through mu so readers see a coherent
// snapshot.
type Progress struct {
	mu sync.Mutex

	total           uint64
	finished        uint64
	statusMessage   string
	canCancel       bool
	cancel          bool
	complete        bool
	hasError        bool
	errConfirmed    bool
	startedAt       time.Time
	started         bool
}

// New returns a Progress ready to track total units of work.
func New(total uint64) *Progress {
	return &Progress{total: total, canCancel: true}
}

// Snapshot is a coherent, point-in-time copy of a Progress for UI rendering.
type Snapshot struct {
	Total           uint64
	Finished        uint64
	PercentFinished int
	StatusMessage   string
	CanCancel       bool
	Cancelled       bool
	Complete        bool
	Error           bool
	ETA             string
}

// Snapshot takes the lock and returns a coherent copy of all fields.
func (p *Progress) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		Total:           p.total,
		Finished:        p.finished,
		PercentFinished: p.percentLocked(),
		StatusMessage:   p.statusMessage,
		CanCancel:       p.canCancel,
		Cancelled:       p.cancel,
		Complete:        p.complete,
		Error:           p.hasError,
		ETA:             p.etaLocked(),
	}
}

// percentLocked returns 0..99 mid-flight, 100 only once Complete is
// set.
func (p *Progress) percentLocked() int {
	if p.complete {
		return 100
	}
	if p.total == 0 {
		return 0
	}
	pct := int(p.finished * 100 / p.total)
	if pct > 99 {
		pct = 99
	}
	return pct
}

// etaLocked renders hours/minutes/"less than 1 minute".
func (p *Progress) etaLocked() string {
	if !p.started || p.finished == 0 || p.complete || p.total == 0 {
		return ""
	}
	elapsed := time.Since(p.startedAt)
	remaining := p.total - p.finished
	if remaining == 0 {
		return ""
	}
	perUnit := elapsed / time.Duration(p.finished)
	eta := perUnit * time.Duration(remaining)
	switch {
	case eta < time.Minute:
		return "less than 1 minute"
	case eta < time.Hour:
		return fmt.Sprintf("%d minutes", int(eta.Minutes()))
	default:
		h := int(eta.Hours())
		m := int(eta.Minutes()) % 60
		return fmt.Sprintf("%dh%dm", h, m)
	}
}

// Advance adds delta finished units and updates the status message.
func (p *Progress) Advance(delta uint64, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		p.started = true
		p.startedAt = time.Now()
	}
	p.finished += delta
	if status != "" {
		p.statusMessage = status
	}
}

// SetStatus updates the status message without advancing progress.
func (p *Progress) SetStatus(status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statusMessage = status
}

// SetCanCancel flips the cancellable flag; used during the
// conditionally-cancellable and uncancellable windows of long
// operations.
func (p *Progress) SetCanCancel(can bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.canCancel = can
}

// RequestCancel is called by the UI thread; it is a no-op if cancellation
// is currently disabled.
func (p *Progress) RequestCancel() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.canCancel {
		return false
	}
	p.cancel = true
	return true
}

// Cancelled reports whether cancellation has been requested and accepted.
// Operations poll this at coarse boundaries only.
func (p *Progress) Cancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel
}

// Complete marks the operation as terminally successful.
func (p *Progress) Complete() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.complete = true
	p.finished = p.total
}

// Fail marks the operation as having hit an error; the confirm-latch means
// repeated calls after the first are no-ops for the life of this Progress.
func (p *Progress) Fail(status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hasError {
		return
	}
	p.hasError = true
	p.statusMessage = status
}

// ConfirmError latches that the UI has shown the error to the user once.
func (p *Progress) ConfirmError() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errConfirmed = true
}

// ErrorConfirmed reports whether ConfirmError has been called.
func (p *Progress) ErrorConfirmed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errConfirmed
}
