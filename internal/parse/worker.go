// Package parse annotates HTML documents with source line numbers on a
// single background worker.
package parse

import (
	"container/heap"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrStopped is returned once the worker has been shut down.
var ErrStopped = errors.New("parse: worker stopped")

// Status is the answer of Fetch.
type Status int

const (
	StatusNeverRequested Status = iota
	StatusPending
	StatusReady
)

func (s Status) String() string {
	switch s {
	case StatusNeverRequested:
		return "never-requested"
	case StatusPending:
		return "pending"
	case StatusReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Item is the per-name parse state. It outlives individual requests.
type Item struct {
	Name string

	length      int
	fingerprint [sha256.Size]byte
	parsed      []byte
	done        bool
}

type request struct {
	seq   uint64
	item  *Item
	data  []byte
	index int
}

// requestQueue orders requests by sequence number, newest first.
type requestQueue []*request

func (q requestQueue) Len() int           { return len(q) }
func (q requestQueue) Less(i, j int) bool { return q[i].seq > q[j].seq }
func (q requestQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *requestQueue) Push(x any) {
	r := x.(*request)
	r.index = len(*q)
	*q = append(*q, r)
}

func (q *requestQueue) Pop() any {
	old := *q
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.index = -1
	*q = old[:n-1]
	return r
}

// Config configures a Worker.
type Config struct {
	// Annotate transforms source bytes. Default: Annotate.
	Annotate func([]byte) ([]byte, error)
	Logger   *slog.Logger
}

func (c *Config) defaults() {
	if c.Annotate == nil {
		c.Annotate = Annotate
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Worker owns the request queue and the item table. Requests may be added
// and results fetched from any goroutine; parsing happens on exactly one.
type Worker struct {
	cfg Config

	mu      sync.Mutex
	items   map[string]*Item
	queued  map[string]*request
	latest  map[string]uint64
	queue   requestQueue
	seq     uint64
	started bool
	stopped bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker creates a Worker. Call Start to launch it.
func NewWorker(cfg Config) *Worker {
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		cfg:    cfg,
		items:  make(map[string]*Item),
		queued: make(map[string]*request),
		latest: make(map[string]uint64),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start launches the worker goroutine. Calling it again is a no-op.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return ErrStopped
	}
	if w.started {
		return nil
	}
	w.started = true
	go w.loop()
	return nil
}

// AddRequest enqueues data for name without blocking. A request still
// queued for the same name is superseded. Bytes identical to the last
// successful run are not parsed again.
func (w *Worker) AddRequest(name string, data []byte) error {
	fp := sha256.Sum256(data)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return ErrStopped
	}

	item, ok := w.items[name]
	if !ok {
		item = &Item{Name: name}
		w.items[name] = item
	}
	w.seq++
	w.latest[name] = w.seq

	if item.done && item.length == len(data) && item.fingerprint == fp {
		return nil
	}
	item.done = false

	if r, ok := w.queued[name]; ok {
		r.seq = w.seq
		r.data = data
		heap.Fix(&w.queue, r.index)
	} else {
		r := &request{seq: w.seq, item: item, data: data}
		heap.Push(&w.queue, r)
		w.queued[name] = r
	}

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

// Fetch returns the annotated bytes of name when the newest request has
// completed. The returned slice is shared and must not be modified.
func (w *Worker) Fetch(name string) ([]byte, Status) {
	w.mu.Lock()
	defer w.mu.Unlock()
	item, ok := w.items[name]
	if !ok {
		return nil, StatusNeverRequested
	}
	if !item.done {
		return nil, StatusPending
	}
	return item.parsed, StatusReady
}

// Shutdown stops the worker after the request in flight, if any. Queued
// requests are dropped.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	started := w.started
	w.stopped = true
	w.mu.Unlock()

	w.cancel()
	if !started {
		return nil
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer close(w.done)
	for {
		req, ok := w.next()
		if !ok {
			return
		}
		w.process(req)
	}
}

// next blocks until a request is queued or the worker is stopped.
func (w *Worker) next() (*request, bool) {
	for {
		w.mu.Lock()
		if w.stopped {
			w.mu.Unlock()
			return nil, false
		}
		if w.queue.Len() > 0 {
			r := heap.Pop(&w.queue).(*request)
			delete(w.queued, r.item.Name)
			w.mu.Unlock()
			return r, true
		}
		w.mu.Unlock()

		select {
		case <-w.wake:
		case <-w.ctx.Done():
			return nil, false
		}
	}
}

func (w *Worker) process(req *request) {
	item := req.item
	fp := sha256.Sum256(req.data)

	w.mu.Lock()
	if item.parsed != nil && item.length == len(req.data) && item.fingerprint == fp {
		if w.isLatest(req) {
			item.done = true
		}
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	out, err := w.annotate(req.data)

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.isLatest(req) {
		return
	}
	if err != nil {
		item.done = false
		w.cfg.Logger.Warn("parse: annotate failed", "name", item.Name, "size", len(req.data), "error", err)
		return
	}
	item.parsed = out
	item.length = len(req.data)
	item.fingerprint = fp
	item.done = true
	w.cfg.Logger.Debug("parse: annotated", "name", item.Name, "size", len(out))
}

// isLatest reports whether req is the newest request added for its name.
// Must be called with mu held.
func (w *Worker) isLatest(req *request) bool {
	return w.latest[req.item.Name] == req.seq
}

func (w *Worker) annotate(data []byte) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parse: panic: %v", r)
		}
	}()
	return w.cfg.Annotate(data)
}
