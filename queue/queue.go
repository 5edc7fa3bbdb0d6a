// Package queue is a durable, file-backed event queue.
//
// Every accepted event is written to disk before Add returns, so an ingress
// acknowledgment always follows durable storage. Items move through
// pending → processing → (removed | pending | dead). An item is never
// dropped: it stays in the file until Complete or until it is dead-lettered.
//
// The whole queue is one JSON document rewritten atomically (temp file,
// fsync, rename) on every mutation. On Open, items left in processing by a
// crash are reset to pending; reprocessing them safely is the job of the
// idempotency guard.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/DarlingtonDeveloper/fiscal-relay/fault"
	"github.com/DarlingtonDeveloper/fiscal-relay/internal/fsutil"
)

// Status is the lifecycle state of an item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDead       Status = "dead"
)

// DefaultMaxRetries is the failure budget before an item is dead-lettered.
const DefaultMaxRetries = 5

const fileVersion = 1

var (
	ErrNotFound = errors.New("queue item not found")
	ErrNotDead  = errors.New("queue item is not dead-lettered")

	// ErrBudgetExhausted marks items dead-lettered on Open because their
	// retries already meet the configured maximum.
	ErrBudgetExhausted = errors.New("retry budget exhausted")
)

// Event is an accepted ingress notification.
type Event struct {
	Topic    string          `json:"topic"`
	Resource string          `json:"resource"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Item is one queued event and its processing bookkeeping.
type Item struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	Resource    string          `json:"resource"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      Status          `json:"status"`
	Retries     int             `json:"retries"`
	CreatedAt   time.Time       `json:"createdAt"`
	LastAttempt *time.Time      `json:"lastAttempt,omitempty"`
	Error       string          `json:"error,omitempty"`
}

type document struct {
	Version int    `json:"version"`
	Items   []Item `json:"items"`
}

// Stats counts items by status.
type Stats struct {
	Pending    int  `json:"pending"`
	Processing int  `json:"processing"`
	Dead       int  `json:"dead"`
	Total      int  `json:"total"`
	Dirty      bool `json:"dirty"`
}

// Options configures a Queue.
type Options struct {
	MaxRetries int
	Logger     *slog.Logger
	Now        func() time.Time
}

// Queue is safe for concurrent use.
type Queue struct {
	mu         sync.Mutex
	path       string
	items      []*Item
	maxRetries int
	dirty      bool
	notify     chan struct{}
	logger     *slog.Logger
	now        func() time.Time
}

// Open loads the queue stored at path, creating it if it does not exist.
// Items found in processing are reset to pending, pending items whose
// retries meet MaxRetries are dead-lettered, and the file is rewritten.
func Open(path string, opts Options) (*Queue, error) {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	q := &Queue{
		path:       path,
		maxRetries: opts.MaxRetries,
		notify:     make(chan struct{}, 1),
		logger:     opts.Logger,
		now:        opts.Now,
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create queue dir: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return q, nil
	case err != nil:
		return nil, fmt.Errorf("read queue file: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse queue file: %w", err)
	}

	recovered, exhausted := 0, 0
	for i := range doc.Items {
		it := doc.Items[i]
		if it.Status == StatusProcessing {
			it.Status = StatusPending
			recovered++
		}
		// A budget lowered between runs would otherwise strand the item.
		if it.Status == StatusPending && it.Retries >= q.maxRetries {
			it.Status = StatusDead
			if it.Error == "" {
				it.Error = ErrBudgetExhausted.Error()
			} else {
				it.Error = ErrBudgetExhausted.Error() + ": " + it.Error
			}
			exhausted++
		}
		q.items = append(q.items, &it)
	}

	if recovered > 0 {
		q.logger.Warn("queue: reset items interrupted mid-processing",
			"count", recovered,
			"path", path,
		)
	}
	if exhausted > 0 {
		q.logger.Warn("queue: dead-lettered pending items over the retry budget",
			"count", exhausted,
			"max_retries", q.maxRetries,
			"path", path,
		)
	}
	if recovered > 0 || exhausted > 0 {
		q.mu.Lock()
		q.persistLocked("recover")
		q.mu.Unlock()
	}

	return q, nil
}

// Add appends ev and persists it before returning its id. If the write
// fails the item is not kept and a Systemic error is returned, so the
// caller must not acknowledge the event.
func (q *Queue) Add(ev Event) (string, error) {
	if strings.TrimSpace(ev.Topic) == "" || strings.TrimSpace(ev.Resource) == "" {
		return "", fault.PermanentErr("queue.add", fault.CodeValidation,
			errors.New("topic and resource are required"))
	}

	q.mu.Lock()
	it := &Item{
		ID:        uuid.New().String(),
		Topic:     ev.Topic,
		Resource:  ev.Resource,
		Payload:   ev.Payload,
		Status:    StatusPending,
		CreatedAt: q.now().UTC(),
	}
	q.items = append(q.items, it)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		q.mu.Unlock()
		return "", fault.SystemicErr("queue.add", err)
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return it.ID, nil
}

// Next claims the oldest pending item that still has retry budget.
func (q *Queue) Next() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, it := range q.items {
		if it.Status != StatusPending || it.Retries >= q.maxRetries {
			continue
		}
		now := q.now().UTC()
		it.Status = StatusProcessing
		it.LastAttempt = &now
		q.persistLocked("claim")
		return *it, true
	}
	return Item{}, false
}

// Complete removes the item.
func (q *Queue) Complete(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(id)
	if idx < 0 {
		return fmt.Errorf("complete %s: %w", id, ErrNotFound)
	}
	q.items = append(q.items[:idx], q.items[idx+1:]...)
	q.persistLocked("complete")
	return nil
}

// Fail records a failed attempt. The item returns to pending, or becomes
// dead once its retries reach the configured maximum.
func (q *Queue) Fail(id string, cause error) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(id)
	if idx < 0 {
		return Item{}, fmt.Errorf("fail %s: %w", id, ErrNotFound)
	}
	it := q.items[idx]
	it.Retries++
	it.Error = errorText(cause)
	if it.Retries >= q.maxRetries {
		it.Status = StatusDead
	} else {
		it.Status = StatusPending
	}
	q.persistLocked("fail")
	return *it, nil
}

// DeadLetter parks the item immediately, regardless of its retry budget.
func (q *Queue) DeadLetter(id string, cause error) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(id)
	if idx < 0 {
		return Item{}, fmt.Errorf("dead-letter %s: %w", id, ErrNotFound)
	}
	it := q.items[idx]
	it.Retries++
	it.Error = errorText(cause)
	it.Status = StatusDead
	q.persistLocked("dead_letter")
	return *it, nil
}

// Requeue returns a dead item to pending with a fresh retry budget.
func (q *Queue) Requeue(id string) (Item, error) {
	q.mu.Lock()
	idx := q.indexLocked(id)
	if idx < 0 {
		q.mu.Unlock()
		return Item{}, fmt.Errorf("requeue %s: %w", id, ErrNotFound)
	}
	it := q.items[idx]
	if it.Status != StatusDead {
		q.mu.Unlock()
		return Item{}, fmt.Errorf("requeue %s: %w", id, ErrNotDead)
	}
	it.Status = StatusPending
	it.Retries = 0
	q.persistLocked("requeue")
	out := *it
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return out, nil
}

// Release hands a claimed item back to pending without charging an
// attempt. Used when processing was deferred rather than failed.
func (q *Queue) Release(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(id)
	if idx < 0 {
		return fmt.Errorf("release %s: %w", id, ErrNotFound)
	}
	it := q.items[idx]
	if it.Status != StatusProcessing {
		return nil
	}
	it.Status = StatusPending
	q.persistLocked("release")
	return nil
}

// Get returns a copy of the item.
func (q *Queue) Get(id string) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(id)
	if idx < 0 {
		return Item{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return *q.items[idx], nil
}

// List returns items in queue order, filtered by status when status is not
// empty. limit <= 0 means no limit.
func (q *Queue) List(status Status, limit int) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := []Item{}
	for _, it := range q.items {
		if status != "" && it.Status != status {
			continue
		}
		out = append(out, *it)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Stats returns counts by status.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := Stats{Total: len(q.items), Dirty: q.dirty}
	for _, it := range q.items {
		switch it.Status {
		case StatusPending:
			st.Pending++
		case StatusProcessing:
			st.Processing++
		case StatusDead:
			st.Dead++
		}
	}
	return st
}

// MaxRetries reports the failure budget per item.
func (q *Queue) MaxRetries() int { return q.maxRetries }

// Notify is signalled whenever new work becomes available.
func (q *Queue) Notify() <-chan struct{} { return q.notify }

// Flush rewrites the file if an earlier write failed.
func (q *Queue) Flush() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.dirty {
		return nil
	}
	if err := q.saveLocked(); err != nil {
		return fault.SystemicErr("queue.flush", err)
	}
	q.logger.Info("queue: flushed pending changes", "path", q.path)
	return nil
}

// Close flushes outstanding changes.
func (q *Queue) Close() error {
	return q.Flush()
}

func (q *Queue) indexLocked(id string) int {
	for i, it := range q.items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

// persistLocked saves and logs on failure; the queue keeps running from
// memory and the next Flush retries.
func (q *Queue) persistLocked(op string) {
	if err := q.saveLocked(); err != nil {
		q.logger.Error("queue: persist failed, keeping changes in memory",
			"op", op,
			"path", q.path,
			"error", err,
		)
	}
}

func (q *Queue) saveLocked() error {
	doc := document{Version: fileVersion, Items: make([]Item, 0, len(q.items))}
	for _, it := range q.items {
		doc.Items = append(doc.Items, *it)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		q.dirty = true
		return fmt.Errorf("marshal queue: %w", err)
	}
	if err := fsutil.WriteAtomic(q.path, data); err != nil {
		q.dirty = true
		return err
	}
	q.dirty = false
	return nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
