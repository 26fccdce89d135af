package progress

import "testing"

func TestPercentCapsAt99UntilComplete(t *testing.T) {
	p := New(100)
	p.Advance(100, "almost")
	if got := p.Snapshot().PercentFinished; got != 99 {
		t.Errorf("percent mid-flight = %d, want 99", got)
	}
	p.Complete()
	if got := p.Snapshot().PercentFinished; got != 100 {
		t.Errorf("percent after Complete = %d, want 100", got)
	}
}

func TestCancelRefusedDuringCriticalWindow(t *testing.T) {
	p := New(10)
	p.SetCanCancel(false)
	if p.RequestCancel() {
		t.Error("RequestCancel accepted while canCancel is off")
	}
	if p.Cancelled() {
		t.Error("cancel latched despite refusal")
	}
	p.SetCanCancel(true)
	if !p.RequestCancel() {
		t.Error("RequestCancel refused while canCancel is on")
	}
	if !p.Cancelled() {
		t.Error("cancel not observed after acceptance")
	}
}

func TestErrorConfirmLatch(t *testing.T) {
	p := New(10)
	p.Fail("first failure")
	p.Fail("second failure must not overwrite")
	snap := p.Snapshot()
	if !snap.Error {
		t.Fatal("error flag not set")
	}
	if snap.StatusMessage != "first failure" {
		t.Errorf("status = %q, want the first failure message", snap.StatusMessage)
	}
	if p.ErrorConfirmed() {
		t.Error("error confirmed before the UI acknowledged it")
	}
	p.ConfirmError()
	if !p.ErrorConfirmed() {
		t.Error("ConfirmError did not latch")
	}
}
