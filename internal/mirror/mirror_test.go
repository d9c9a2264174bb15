package mirror

import (
	"context"
	"testing"
	"time"

	"sonicpact.io/internal/pact"
)

func TestSubscribeReceivesPublishedEvents(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.Subscribe(ctx)

	evt := NewEvent(EventDealCreated)
	evt.Deal = &pact.Deal{Address: "CDEAL", Status: pact.StatusProposed}
	s.Publish(evt)

	select {
	case got := <-ch:
		if got.Type != EventDealCreated || got.Deal.Address != "CDEAL" {
			t.Fatalf("unexpected event: %+v", got)
		}
		if got.ID == "" || got.Timestamp.IsZero() {
			t.Fatalf("event missing id/timestamp: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = s.Subscribe(ctx) // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s.Publish(NewEvent(EventDealFunded))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
}

func TestSubscriptionClosesWithContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx)
	cancel()

	select {
	case _, open := <-ch:
		if open {
			t.Fatal("expected channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
}

func TestProjectionFollowsTransitions(t *testing.T) {
	p := NewProjection()

	created := NewEvent(EventDealCreated)
	created.Deal = &pact.Deal{Address: "CDEAL", Status: pact.StatusProposed}
	p.Apply(created)

	funded := NewEvent(EventDealFunded)
	funded.Deal = &pact.Deal{Address: "CDEAL", Status: pact.StatusFunded, FundedAmount: 1_000}
	p.Apply(funded)

	platform := NewEvent(EventPlatformInitialized)
	platform.Platform = &pact.Platform{Address: "CPLAT", FeeRateBps: 250}
	p.Apply(platform)

	d, ok := p.Deal("CDEAL")
	if !ok || d.Status != pact.StatusFunded || d.FundedAmount != 1_000 {
		t.Fatalf("projection stale: %+v, ok=%v", d, ok)
	}
	pl, ok := p.Platform()
	if !ok || pl.FeeRateBps != 250 {
		t.Fatalf("platform snapshot missing: %+v, ok=%v", pl, ok)
	}
	if len(p.Deals()) != 1 {
		t.Fatalf("expected one deal, got %d", len(p.Deals()))
	}
	if p.RefreshedAt().IsZero() {
		t.Fatal("refreshed timestamp not set")
	}
}

func TestProjectionRunConsumesStream(t *testing.T) {
	s := New()
	p := NewProjection()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go p.Run(ctx, s)

	// Subscribe may race with the first publish; retry until applied.
	evt := NewEvent(EventDealAccepted)
	evt.Deal = &pact.Deal{Address: "CDEAL", Status: pact.StatusAccepted}

	deadline := time.After(2 * time.Second)
	for {
		s.Publish(evt)
		if d, ok := p.Deal("CDEAL"); ok && d.Status == pact.StatusAccepted {
			return
		}
		select {
		case <-deadline:
			t.Fatal("projection never observed the event")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
