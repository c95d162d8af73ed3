package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestPoolRunsTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewPool(2, 10, zerolog.Nop())
	p.Start(ctx)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ran := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		p.Submit(fmt.Sprintf("post:%d", i), func() {
			mu.Lock()
			ran++
			mu.Unlock()
			wg.Done()
		})
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks never completed")
	}
	if ran != 5 {
		t.Errorf("ran = %d, want 5", ran)
	}
}

func TestPoolDropsWhenFull(t *testing.T) {
	// Never started: nothing drains the queue.
	p := NewPool(1, 2, zerolog.Nop())
	for i := 0; i < 5; i++ {
		p.Submit("post:42", func() {})
	}
	if got := p.DroppedTasks(); got != 3 {
		t.Errorf("dropped = %d, want 3", got)
	}
	if got := p.QueueDepth(); got != 2 {
		t.Errorf("queue depth = %d, want 2", got)
	}
}

func TestPoolRecoversFromPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewPool(1, 10, zerolog.Nop())
	p.Start(ctx)

	p.Submit("post:42", func() { panic("boom") })

	done := make(chan struct{})
	p.Submit("post:42", func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker died after panic")
	}
}

func TestPoolSameKeyRunsInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewPool(4, 100, zerolog.Nop())
	p.Start(ctx)

	const n = 20
	var mu sync.Mutex
	var got []int
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		p.Submit("post:42", func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			wg.Done()
		})
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks never completed")
	}

	for i, v := range got {
		if v != i {
			t.Fatalf("same-key tasks reordered: %v", got)
		}
	}
}

func TestParseSubject(t *testing.T) {
	b := &Bridge{cfg: Config{SubjectPrefix: "lens"}}

	cases := []struct {
		subject  string
		entity   string
		id       string
		ok       bool
	}{
		{"lens.emit.post.42", "post", "42", true},
		{"lens.emit.user.a.b", "user", "a.b", true},
		{"lens.emit.post", "", "", false},
		{"lens.emit.", "", "", false},
		{"other.emit.post.42", "", "", false},
	}
	for _, tc := range cases {
		entity, id, ok := b.parseSubject(tc.subject)
		if entity != tc.entity || id != tc.id || ok != tc.ok {
			t.Errorf("parseSubject(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tc.subject, entity, id, ok, tc.entity, tc.id, tc.ok)
		}
	}
}
