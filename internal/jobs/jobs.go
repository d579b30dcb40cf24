// Package jobs implements the job pipeline: a bounded event channel feeding a
// single manager goroutine that applies every change to a job's state after
// its creation (Start inserts the queued record itself, under the map's
// lock), mirroring the teacher's logged-storage pattern of one draining
// consumer owning shared state.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/bustesoul/varmanager/internal/apierr"
	"github.com/bustesoul/varmanager/internal/metrics"
)

// Status is a job's lifecycle state.
type Status string

const (
	Queued    Status = "queued"
	Running   Status = "running"
	Succeeded Status = "succeeded"
	Failed    Status = "failed"
)

const logRingSize = 1000
const eventChannelCapacity = 10000

// LogEntry is one line in a job's bounded log ring.
type LogEntry struct {
	Timestamp time.Time
	Level     string
	Message   string
}

// Job is a snapshot of one job's state. Values returned by Manager.Get and
// Manager.List are copies safe to read without further synchronisation.
type Job struct {
	ID        int64
	Kind      string
	Args      json.RawMessage
	Status    Status
	Progress  uint8
	Message   string
	Error     string
	Result    json.RawMessage
	Logs      []LogEntry
	LogOffset int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (j *Job) clone() Job {
	out := *j
	out.Logs = append([]LogEntry(nil), j.Logs...)
	return out
}

// Handle is passed to a handler for the duration of one job run. It is the
// only way a handler may report progress, log lines or a result; all of it
// is funnelled through the manager's event channel.
type Handle struct {
	id  int64
	ctx context.Context
	m   *Manager
}

// ID is the running job's id.
func (h *Handle) ID() int64 { return h.id }

// Context is cancelled when the manager shuts down, or immediately if the
// job had not yet acquired a concurrency permit at shutdown time.
func (h *Handle) Context() context.Context { return h.ctx }

// Log appends a line to the job's log ring. Dropped silently if the event
// channel is full; log delivery is best-effort.
func (h *Handle) Log(message string) {
	select {
	case h.m.events <- event{jobID: h.id, kind: evLog, message: message}:
	default:
	}
}

// Progress reports 0..100 percent complete. Dropped silently if the event
// channel is full.
func (h *Handle) Progress(percent uint8) {
	select {
	case h.m.events <- event{jobID: h.id, kind: evProgress, progress: percent}:
	default:
	}
}

// SetResult attaches a JSON-serialisable result to the job. Unlike Log and
// Progress this blocks until delivered (or the manager shuts down).
func (h *Handle) SetResult(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("jobs: marshalling result: %w", err)
	}
	h.m.sendBlocking(event{jobID: h.id, kind: evResult, result: data})
	return nil
}

// Handler implements one job kind's work. It must report progress via h and
// return the error (if any) that decides Finished vs Failed.
type Handler func(ctx context.Context, h *Handle) error

type eventKind int

const (
	evStarted eventKind = iota
	evLog
	evProgress
	evResult
	evFinished
	evFailed
)

type event struct {
	jobID    int64
	kind     eventKind
	message  string
	progress uint8
	result   json.RawMessage
	err      error
}

// Manager owns the job map. Start inserts each new job's record; the single
// drain goroutine applies every later change to it.
type Manager struct {
	mu       sync.RWMutex
	jobs     map[int64]*Job
	nextID   int64
	events   chan event
	sem      *semaphore.Weighted
	handlers map[string]Handler
	metrics  *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New starts a manager with the given concurrency limit and dispatch table.
// The manager's drain goroutine runs until Shutdown is called.
func New(concurrency int64, handlers map[string]Handler) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		jobs:     make(map[int64]*Job),
		events:   make(chan event, eventChannelCapacity),
		sem:      semaphore.NewWeighted(concurrency),
		handlers: handlers,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go m.run()
	return m
}

// SetConcurrency resets the job semaphore, e.g. after a config change to
// job_concurrency.
func (m *Manager) SetConcurrency(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sem = semaphore.NewWeighted(n)
}

// SetMetrics attaches the counters runJob reports started/failed jobs
// through. Nil is safe and disables reporting, which is also the default.
func (m *Manager) SetMetrics(mx *metrics.Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = mx
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev := <-m.events:
			m.apply(ev)
		}
	}
}

// Shutdown cancels outstanding work and waits for the manager goroutine to
// exit, up to timeout. Queued and in-flight events still in the channel
// buffer are discarded, never applied.
func (m *Manager) Shutdown(timeout time.Duration) error {
	m.cancel()
	select {
	case <-m.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("jobs: manager did not shut down within %s", timeout)
	}
}

// Start enqueues kind with args and returns its id. kind must be registered
// in the dispatch table.
func (m *Manager) Start(kind string, args json.RawMessage) (int64, error) {
	if kind == "" {
		return 0, apierr.New(apierr.BadRequest, "jobs: kind must not be empty")
	}
	handler, ok := m.handlers[kind]
	if !ok {
		return 0, apierr.New(apierr.BadRequest, fmt.Sprintf("jobs: unknown job kind %q", kind))
	}

	now := time.Now()
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.jobs[id] = &Job{ID: id, Kind: kind, Args: args, Status: Queued, CreatedAt: now, UpdatedAt: now}
	sem := m.sem
	m.mu.Unlock()

	go m.runJob(id, kind, sem, handler)
	return id, nil
}

func (m *Manager) runJob(id int64, kind string, sem *semaphore.Weighted, handler Handler) {
	if err := sem.Acquire(m.ctx, 1); err != nil {
		m.sendBlocking(event{jobID: id, kind: evFailed, err: err})
		return
	}
	defer sem.Release(1)

	m.mu.RLock()
	mx := m.metrics
	m.mu.RUnlock()

	mx.IncrementJobStarted(m.ctx, kind)
	m.sendBlocking(event{jobID: id, kind: evStarted})
	h := &Handle{id: id, ctx: m.ctx, m: m}

	err := handler(m.ctx, h)
	if err != nil {
		mx.IncrementJobFailed(m.ctx, kind)
		m.sendBlocking(event{jobID: id, kind: evFailed, err: err})
		return
	}
	m.sendBlocking(event{jobID: id, kind: evFinished})
}

// sendBlocking delivers ev, but gives up once the manager has shut down
// rather than hang forever on a full, unread channel.
func (m *Manager) sendBlocking(ev event) {
	select {
	case m.events <- ev:
	case <-m.ctx.Done():
	}
}

func (m *Manager) apply(ev event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[ev.jobID]
	if !ok {
		return
	}
	switch ev.kind {
	case evStarted:
		j.Status = Running
	case evLog:
		appendLog(j, ev.message)
	case evProgress:
		j.Progress = ev.progress
	case evResult:
		j.Result = ev.result
	case evFinished:
		j.Status = Succeeded
	case evFailed:
		j.Status = Failed
		if ev.err != nil {
			j.Error = ev.err.Error()
		}
	}
	j.UpdatedAt = time.Now()
}

func appendLog(j *Job, message string) {
	entry := LogEntry{Timestamp: time.Now(), Level: inferLevel(message), Message: message}
	if len(j.Logs) >= logRingSize {
		j.Logs = append(j.Logs[1:], entry)
		j.LogOffset++
	} else {
		j.Logs = append(j.Logs, entry)
	}
}

var knownLevels = map[string]bool{"error": true, "warn": true, "info": true, "debug": true, "trace": true}

func inferLevel(message string) string {
	trimmed := strings.TrimSpace(message)
	if strings.HasPrefix(trimmed, "[") {
		if end := strings.Index(trimmed, "]"); end > 0 {
			if lvl := strings.ToLower(trimmed[1:end]); knownLevels[lvl] {
				return lvl
			}
		}
	}
	if idx := strings.Index(trimmed, ":"); idx > 0 {
		if lvl := strings.ToLower(trimmed[:idx]); knownLevels[lvl] {
			return lvl
		}
	}
	return "info"
}

// Get returns a snapshot of one job.
func (m *Manager) Get(id int64) (Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return Job{}, false
	}
	return j.clone(), true
}

// List returns snapshots of every known job, ordered by id.
func (m *Manager) List() []Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j.clone())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}
