package carapace

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestApprove(t *testing.T) {
	g := NewConfirmationGate()
	ticket, err := g.Request("c-1", "deploy")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !g.Approve("c-1") {
		t.Fatal("approve returned false")
	}
	out := ticket.Wait(context.Background())
	if !out.Approved {
		t.Errorf("outcome: %+v", out)
	}
	if g.Pending() != 0 {
		t.Errorf("pending = %d", g.Pending())
	}
}

func TestDeny(t *testing.T) {
	g := NewConfirmationGate()
	ticket, _ := g.Request("c-1", "deploy")
	if !g.Deny("c-1") {
		t.Fatal("deny returned false")
	}
	out := ticket.Wait(context.Background())
	if out.Approved || out.Reason != "denied" {
		t.Errorf("outcome: %+v", out)
	}
}

func TestTimeout(t *testing.T) {
	g := NewConfirmationGate(GateTimeout(20 * time.Millisecond))
	ticket, _ := g.Request("c-1", "deploy")
	out := ticket.Wait(context.Background())
	if out.Approved || out.Reason != "timeout" {
		t.Errorf("outcome: %+v", out)
	}
	// The entry is gone; a late approve is a no-op.
	if g.Approve("c-1") {
		t.Error("approve after timeout returned true")
	}
}

func TestDuplicateConfirmation(t *testing.T) {
	g := NewConfirmationGate()
	if _, err := g.Request("c-1", "deploy"); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Request("c-1", "deploy"); !errors.Is(err, ErrDuplicateConfirmation) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestResolveOnce(t *testing.T) {
	g := NewConfirmationGate()
	ticket, _ := g.Request("c-1", "deploy")
	if !g.Approve("c-1") {
		t.Fatal("first resolve failed")
	}
	if g.Deny("c-1") || g.Cancel("c-1") {
		t.Error("second resolve succeeded")
	}
	if out := ticket.Wait(context.Background()); !out.Approved {
		t.Errorf("outcome flipped: %+v", out)
	}
}

func TestCancelAll(t *testing.T) {
	g := NewConfirmationGate()
	t1, _ := g.Request("c-1", "a")
	t2, _ := g.Request("c-2", "b")
	g.CancelAll()
	if out := t1.Wait(context.Background()); out.Approved || out.Reason != "timeout" {
		t.Errorf("t1: %+v", out)
	}
	if out := t2.Wait(context.Background()); out.Approved || out.Reason != "timeout" {
		t.Errorf("t2: %+v", out)
	}
	if g.Pending() != 0 {
		t.Errorf("pending = %d", g.Pending())
	}
}

func TestWaitContextCancelled(t *testing.T) {
	g := NewConfirmationGate()
	ticket, _ := g.Request("c-1", "deploy")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := ticket.Wait(ctx)
	if out.Approved || out.Reason != "timeout" {
		t.Errorf("outcome: %+v", out)
	}
}

func TestApprovalSet(t *testing.T) {
	s := NewApprovalSet(time.Hour)
	s.Add("c-1")
	if !s.Take("c-1") {
		t.Fatal("live entry not taken")
	}
	if s.Take("c-1") {
		t.Error("entry taken twice")
	}
	if s.Take("never-added") {
		t.Error("unknown entry taken")
	}
}

func TestApprovalSetExpiry(t *testing.T) {
	s := NewApprovalSet(time.Minute)
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }

	s.Add("c-1")
	now = now.Add(2 * time.Minute)
	if s.Take("c-1") {
		t.Error("expired entry taken")
	}
}
