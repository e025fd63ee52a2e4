package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"draft-collab/go-backend/internal/serializer"
	"draft-collab/go-backend/pkg/models"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	c := New(Config{HeartbeatInterval: time.Second, StaleAfter: 3 * time.Second})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c
}

func TestSubmitRunsInSubmissionOrder(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	first := make(chan error, 1)
	started := make(chan struct{})
	go func() {
		first <- c.Do(ctx, "d1", func(context.Context) error {
			close(started)
			time.Sleep(50 * time.Millisecond)
			record("t1")
			return nil
		})
	}()
	<-started

	got, err := Submit(ctx, c, "d1", func(context.Context) (int, error) {
		record("t2")
		return 42, nil
	})
	if err != nil || got != 42 {
		t.Fatalf("unexpected second result: got=%d err=%v", got, err)
	}
	if err := <-first; err != nil {
		t.Fatalf("first task failed: %v", err)
	}
	if len(order) != 2 || order[0] != "t1" || order[1] != "t2" {
		t.Fatalf("tasks ran out of order: %v", order)
	}
}

func TestFailureDoesNotAffectLaterTasks(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	boom := errors.New("boom")

	if err := c.Do(ctx, "d1", func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected task error, got %v", err)
	}
	_, err := Submit(ctx, c, "d1", func(context.Context) (string, error) { panic("bad") })
	var panicErr *serializer.TaskPanicError
	if !errors.As(err, &panicErr) {
		t.Fatalf("expected panic error, got %v", err)
	}
	got, err := Submit(ctx, c, "d1", func(context.Context) (string, error) { return "ok", nil })
	if err != nil || got != "ok" {
		t.Fatalf("later task should run normally: got=%q err=%v", got, err)
	}
}

func TestQueueEmptiesAfterWork(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Do(ctx, "d1", func(context.Context) error { return nil })
		}()
	}
	wg.Wait()

	deadline := time.Now().Add(time.Second)
	for c.Serializer().Stats().ActiveKeys != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("queue entries left behind: %+v", c.Serializer().Stats())
		}
		time.Sleep(time.Millisecond)
	}
	if n := c.PendingMutations("d1"); n != 0 {
		t.Fatalf("expected no pending mutations, got %d", n)
	}
}

func TestMutationsDoNotWaitForPresence(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	release := make(chan struct{})
	holding := make(chan struct{})
	go func() {
		_ = c.Serializer().Do(ctx, "presence:d1", func(context.Context) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding
	defer close(release)

	done := make(chan error, 1)
	go func() { done <- c.Do(ctx, "d1", func(context.Context) error { return nil }) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("mutation failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("mutation blocked behind presence work")
	}
}

func TestInvalidDraftRejected(t *testing.T) {
	c := newTestCoordinator(t)
	ran := false
	err := c.Do(context.Background(), "  ", func(context.Context) error {
		ran = true
		return nil
	})
	if !errors.Is(err, models.ErrInvalidDraftID) || ran {
		t.Fatalf("expected invalid draft rejection, err=%v ran=%v", err, ran)
	}
	if _, err := Submit(context.Background(), c, "", func(context.Context) (int, error) { return 1, nil }); !errors.Is(err, models.ErrInvalidDraftID) {
		t.Fatalf("expected invalid draft rejection from Submit, got %v", err)
	}
}

func TestShutdownRejectsNewWork(t *testing.T) {
	c := New(Config{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if err := c.Do(context.Background(), "d1", func(context.Context) error { return nil }); !errors.Is(err, serializer.ErrClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}

func TestPresenceWiredThroughChannel(t *testing.T) {
	c := newTestCoordinator(t)
	member := models.PresenceMember{ActorID: "alice", SessionID: "s1", Role: models.RoleEditor}
	snap, err := c.Channel().Join(context.Background(), "d1", member, discardOutbox{})
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if len(snap.Members) != 1 || snap.SessionID != "s1" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if c.Registry().MemberCount() != 1 {
		t.Fatalf("registry should hold the member")
	}
}

type discardOutbox struct{}

func (discardOutbox) Send(models.Event) bool { return true }

func (discardOutbox) Close() {}
