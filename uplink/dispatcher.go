package uplink

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Record is one telemetry record awaiting upstream delivery.
type Record struct {
	Timestamp string
	Payload   any
}

// Format renders the record the way the upstream topic expects:
// "<timestamp>:<json-payload>".
func (r Record) Format() (string, error) {
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record payload: %w", err)
	}
	return fmt.Sprintf("%s:%s", r.Timestamp, payload), nil
}

const unsentSuffix = ".unsent"

// Dispatcher consumes a single-producer/single-consumer queue of records
// and publishes each formatted message to the upstream topic. When the
// publisher is unhealthy it spills to a bounded in-memory buffer first,
// then to disk once that buffer is full; on recovery it drains in FIFO
// order, oldest first, disk before memory.
type Dispatcher struct {
	publisher Publisher
	topic     string
	dataDir   string
	bufSize   int
	logger    *log.Logger

	in chan Record

	mu        sync.Mutex
	memBuffer []string
	diskQueue []uint64
	nextSeq   uint64
}

// NewDispatcher creates a dispatcher and recovers any spilled records left
// over from a previous run by scanning dataDir for *.unsent sentinel
// files and queuing their sequence numbers in order.
func NewDispatcher(publisher Publisher, topic, dataDir string, bufSize int, logger *log.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = log.Default()
	}
	if bufSize <= 0 {
		bufSize = 50
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data cache dir %q: %w", dataDir, err)
	}

	d := &Dispatcher{
		publisher: publisher,
		topic:     topic,
		dataDir:   dataDir,
		bufSize:   bufSize,
		logger:    logger,
		in:        make(chan Record, bufSize),
	}

	if err := d.recoverSpilled(); err != nil {
		return nil, err
	}

	return d, nil
}

func (d *Dispatcher) recoverSpilled() error {
	entries, err := os.ReadDir(d.dataDir)
	if err != nil {
		return fmt.Errorf("failed to scan data cache dir: %w", err)
	}

	var seqs []uint64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), unsentSuffix) {
			continue
		}
		base := strings.TrimSuffix(strings.TrimSuffix(e.Name(), unsentSuffix), ".json")
		base = strings.TrimPrefix(base, "data_")
		seq, err := strconv.ParseUint(base, 10, 64)
		if err != nil {
			d.logger.Printf("[uplink] skipping unrecognized spill sentinel %q: %v", e.Name(), err)
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	d.diskQueue = seqs
	if len(seqs) > 0 {
		d.nextSeq = seqs[len(seqs)-1] + 1
		d.logger.Printf("[uplink] recovered %d spilled record(s) from %s", len(seqs), d.dataDir)
	}
	return nil
}

// Enqueue pushes a record onto the dispatch queue. It is the single
// producer side of the SPSC channel; only the telemetry task should call
// it.
func (d *Dispatcher) Enqueue(r Record) {
	d.in <- r
}

// Run consumes the queue until ctx is canceled or stopChan fires.
func (d *Dispatcher) Run(ctx context.Context, stopChan <-chan struct{}) {
	for {
		select {
		case rec := <-d.in:
			d.handle(rec)
		case <-ctx.Done():
			return
		case <-stopChan:
			return
		}
	}
}

func (d *Dispatcher) handle(rec Record) {
	msg, err := rec.Format()
	if err != nil {
		d.logger.Printf("[uplink] dropping unencodable record: %v", err)
		return
	}

	if d.publisher.Healthy() {
		d.drainSpilled()
		if err := d.publisher.Publish(d.topic, msg); err != nil {
			d.logger.Printf("[uplink] publish failed, spilling: %v", err)
			d.spill(msg)
		}
		return
	}
	d.spill(msg)
}

// drainSpilled publishes everything queued on disk, then in memory, in
// FIFO order, stopping at the first publish failure.
func (d *Dispatcher) drainSpilled() {
	d.mu.Lock()
	diskQueue := append([]uint64(nil), d.diskQueue...)
	d.mu.Unlock()

	for _, seq := range diskQueue {
		msg, err := d.readSpillFile(seq)
		if err != nil {
			d.logger.Printf("[uplink] failed to read spilled record %d: %v", seq, err)
			d.removeSpillFile(seq)
			d.popDiskQueue(seq)
			continue
		}
		if err := d.publisher.Publish(d.topic, msg); err != nil {
			d.logger.Printf("[uplink] publish of spilled record %d failed, will retry later: %v", seq, err)
			return
		}
		d.removeSpillFile(seq)
		d.popDiskQueue(seq)
	}

	for {
		d.mu.Lock()
		if len(d.memBuffer) == 0 {
			d.mu.Unlock()
			break
		}
		msg := d.memBuffer[0]
		d.mu.Unlock()

		if err := d.publisher.Publish(d.topic, msg); err != nil {
			d.logger.Printf("[uplink] publish of buffered record failed, will retry later: %v", err)
			return
		}
		d.mu.Lock()
		d.memBuffer = d.memBuffer[1:]
		d.mu.Unlock()
	}
}

// spill appends msg to the in-memory buffer. Once that buffer is over
// capacity its oldest record moves to disk, so disk always holds records
// older than anything in memory and a disk-first drain stays FIFO.
func (d *Dispatcher) spill(msg string) {
	d.mu.Lock()
	d.memBuffer = append(d.memBuffer, msg)
	if len(d.memBuffer) <= d.bufSize {
		d.mu.Unlock()
		return
	}
	oldest := d.memBuffer[0]
	d.memBuffer = d.memBuffer[1:]
	seq := d.nextSeq
	d.nextSeq++
	d.mu.Unlock()

	if err := d.writeSpillFile(seq, oldest); err != nil {
		d.logger.Printf("[uplink] failed to spill record %d to disk: %v", seq, err)
		return
	}

	d.mu.Lock()
	d.diskQueue = append(d.diskQueue, seq)
	d.mu.Unlock()
}

func (d *Dispatcher) jsonPath(seq uint64) string {
	return filepath.Join(d.dataDir, fmt.Sprintf("data_%d.json", seq))
}

func (d *Dispatcher) sentinelPath(seq uint64) string {
	return filepath.Join(d.dataDir, fmt.Sprintf("data_%d%s", seq, unsentSuffix))
}

func (d *Dispatcher) writeSpillFile(seq uint64, msg string) error {
	if err := os.WriteFile(d.jsonPath(seq), []byte(msg), 0o644); err != nil {
		return err
	}
	return os.WriteFile(d.sentinelPath(seq), []byte{}, 0o644)
}

func (d *Dispatcher) readSpillFile(seq uint64) (string, error) {
	data, err := os.ReadFile(d.jsonPath(seq))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (d *Dispatcher) removeSpillFile(seq uint64) {
	_ = os.Remove(d.jsonPath(seq))
	_ = os.Remove(d.sentinelPath(seq))
}

func (d *Dispatcher) popDiskQueue(seq uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, s := range d.diskQueue {
		if s == seq {
			d.diskQueue = append(d.diskQueue[:i], d.diskQueue[i+1:]...)
			return
		}
	}
}
