package uplink

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func discardLogger() *log.Logger { return log.New(io.Discard, "", 0) }

// fakePublisher is an in-memory Publisher double whose health and publish
// outcome are controlled by the test.
type fakePublisher struct {
	mu        sync.Mutex
	healthy   bool
	failNext  bool
	published []string
}

func (p *fakePublisher) Publish(topic, message string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext {
		p.failNext = false
		return errPublishFailed
	}
	p.published = append(p.published, message)
	return nil
}

func (p *fakePublisher) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) setHealthy(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy = v
}

func (p *fakePublisher) messages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.published...)
}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

const errPublishFailed = fakeErr("publish failed")

func TestRecordFormat(t *testing.T) {
	r := Record{Timestamp: "2026-08-01T00:00:00Z", Payload: map[string]int{"a": 1}}
	msg, err := r.Format()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `2026-08-01T00:00:00Z:{"a":1}`
	if msg != want {
		t.Errorf("got %q, want %q", msg, want)
	}
}

func TestRecordFormatRejectsUnmarshalablePayload(t *testing.T) {
	r := Record{Timestamp: "t", Payload: func() {}}
	if _, err := r.Format(); err == nil {
		t.Fatalf("expected error marshaling a func payload")
	}
}

func TestDispatcherPublishesDirectlyWhenHealthy(t *testing.T) {
	pub := &fakePublisher{healthy: true}
	d, err := NewDispatcher(pub, "ems/telemetry", t.TempDir(), 4, discardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := make(chan struct{})
	go d.Run(ctx, stop)

	d.Enqueue(Record{Timestamp: "t1", Payload: "x"})
	waitFor(t, func() bool { return len(pub.messages()) == 1 })

	close(stop)
}

func TestDispatcherSpillsToMemoryThenDiskWhenUnhealthy(t *testing.T) {
	pub := &fakePublisher{healthy: false}
	dir := t.TempDir()
	d, err := NewDispatcher(pub, "ems/telemetry", dir, 2, discardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := make(chan struct{})
	go d.Run(ctx, stop)

	for i := 0; i < 3; i++ {
		d.Enqueue(Record{Timestamp: "t", Payload: i})
	}
	waitFor(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.memBuffer) == 2 && len(d.diskQueue) == 1
	})

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("expected one spilled record to produce 2 files (.json + .unsent), got %d entries", len(entries))
	}

	close(stop)
}

func TestDispatcherDrainsSpilledOnRecovery(t *testing.T) {
	dir := t.TempDir()
	// Simulate a record left over from a previous run: it must drain
	// before anything accumulated in this run's memory buffer.
	if err := os.WriteFile(filepath.Join(dir, "data_0.json"), []byte(`"from-prior-run"`), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "data_0.unsent"), []byte{}, 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pub := &fakePublisher{healthy: false}
	d, err := NewDispatcher(pub, "ems/telemetry", dir, 4, discardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := make(chan struct{})
	go d.Run(ctx, stop)

	d.Enqueue(Record{Timestamp: "t1", Payload: "a"})
	waitFor(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.memBuffer) == 1
	})

	pub.setHealthy(true)
	d.Enqueue(Record{Timestamp: "t2", Payload: "b"})
	waitFor(t, func() bool { return len(pub.messages()) == 3 })

	msgs := pub.messages()
	if msgs[0] != `"from-prior-run"` {
		t.Errorf("expected the disk-spilled record to drain first, got %v", msgs)
	}
	if msgs[1] != `t1:"a"` {
		t.Errorf("expected the memory-buffered record drained second, got %v", msgs)
	}
	if msgs[2] != `t2:"b"` {
		t.Errorf("expected the live record published last, got %v", msgs)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected spill files removed after drain, got %v", entries)
	}

	close(stop)
}

func TestNewDispatcherRecoversSpillFilesFromPriorRun(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "data_5.json"), []byte(`"leftover"`), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "data_5.json.unsent"), []byte{}, 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pub := &fakePublisher{healthy: false}
	d, err := NewDispatcher(pub, "ems/telemetry", dir, 4, discardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(d.diskQueue) != 1 || d.diskQueue[0] != 5 {
		t.Fatalf("expected recovered disk queue [5], got %v", d.diskQueue)
	}
	if d.nextSeq != 6 {
		t.Errorf("expected nextSeq 6 after recovery, got %d", d.nextSeq)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
