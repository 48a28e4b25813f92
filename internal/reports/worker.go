package reports

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"lobkit/internal/blob"
	"lobkit/pkg/domain"
)

// JobStatus describes the lifecycle stage of a render job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Artifact is one rendered and stored output of a job.
type Artifact struct {
	Key       string    `json:"key"`
	MimeType  string    `json:"mime_type"`
	Size      int64     `json:"size"`
	ETag      string    `json:"etag,omitempty"`
	URL       string    `json:"url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Job tracks a render request and its artifacts.
type Job struct {
	ID          string     `json:"id"`
	Report      string     `json:"report"`
	MimeTypes   []string   `json:"mime_types"`
	Rows        int        `json:"rows"`
	Status      JobStatus  `json:"status"`
	Error       string     `json:"error,omitempty"`
	Artifacts   []Artifact `json:"artifacts,omitempty"`
	RequestedBy string     `json:"requested_by"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (j Job) copy() Job {
	dup := j
	dup.MimeTypes = append([]string(nil), j.MimeTypes...)
	if len(j.Artifacts) > 0 {
		dup.Artifacts = append([]Artifact(nil), j.Artifacts...)
	}
	return dup
}

// Request asks the worker to render Source once per MIME type. An empty
// MimeTypes uses the worker's defaults.
type Request struct {
	Report      string
	Source      DataSource
	MimeTypes   []string
	RequestedBy string
}

// AuditLogger receives an entry for every job state change.
type AuditLogger interface {
	Record(ctx context.Context, entry AuditEntry)
}

// AuditEntry captures audit trail metadata for render jobs.
type AuditEntry struct {
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	Actor      string         `json:"actor"`
	Report     string         `json:"report"`
	JobID      string         `json:"job_id"`
	Status     JobStatus      `json:"status"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// MemoryAuditLog keeps entries in memory.
type MemoryAuditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
}

// Record implements AuditLogger.
func (l *MemoryAuditLog) Record(_ context.Context, entry AuditEntry) {
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
}

// Entries returns a copy of the recorded entries.
func (l *MemoryAuditLog) Entries() []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]AuditEntry(nil), l.entries...)
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithAudit sets the audit sink.
func WithAudit(a AuditLogger) WorkerOption { return func(w *Worker) { w.audit = a } }

// WithLogger sets the worker logger.
func WithLogger(log *zap.SugaredLogger) WorkerOption { return func(w *Worker) { w.log = log } }

// WithRegisterer registers the worker's collectors on reg.
func WithRegisterer(reg prometheus.Registerer) WorkerOption {
	return func(w *Worker) { w.reg = reg }
}

// WithQueueSize bounds the number of pending jobs.
func WithQueueSize(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.queueSize = n
		}
	}
}

// WithDefaultMimeTypes sets the formats used when a request names none.
func WithDefaultMimeTypes(mimes ...string) WorkerOption {
	return func(w *Worker) { w.defaults = append([]string(nil), mimes...) }
}

// Worker renders reports asynchronously and stores the artifacts.
type Worker struct {
	store      blob.Store
	processors *Processors
	audit      AuditLogger
	log        *zap.SugaredLogger
	reg        prometheus.Registerer
	rendered   *prometheus.CounterVec
	defaults   []string
	queueSize  int

	queue chan renderTask
	mu    sync.RWMutex
	jobs  map[string]*Job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type renderTask struct {
	id      string
	dataset Dataset
}

// NewWorker constructs a worker that stores artifacts in store. A nil
// processors uses DefaultProcessors.
func NewWorker(store blob.Store, processors *Processors, opts ...WorkerOption) (*Worker, error) {
	if store == nil {
		return nil, &domain.ConfigError{Op: "report worker", Reason: "blob store is required"}
	}
	if processors == nil {
		processors = DefaultProcessors()
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		store:      store,
		processors: processors,
		log:        zap.NewNop().Sugar(),
		defaults:   []string{MimeJSON, MimeCSV},
		queueSize:  32,
		jobs:       make(map[string]*Job),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	for _, m := range w.defaults {
		if _, err := processors.Lookup(m); err != nil {
			cancel()
			return nil, &domain.ConfigError{Op: "report worker", Entity: m, Reason: "no processor for default MIME type", Err: err}
		}
	}
	w.queue = make(chan renderTask, w.queueSize)
	w.rendered = promauto.With(w.reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "lobkit_reports_rendered_total",
			Help: "Report artifacts rendered by MIME type and outcome",
		},
		[]string{"mime_type", "status"},
	)
	return w, nil
}

// Start begins processing render jobs.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop signals the worker to halt and waits for completion.
func (w *Worker) Stop(ctx context.Context) error {
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case task := <-w.queue:
			w.process(task)
		}
	}
}

// Enqueue reads req.Source on the calling goroutine, so scope-backed sources
// stay on their scope's goroutine, then schedules rendering.
func (w *Worker) Enqueue(ctx context.Context, req Request) (Job, error) {
	if w.ctx.Err() != nil {
		return Job{}, errors.New("report worker stopped")
	}
	if strings.TrimSpace(req.Report) == "" {
		return Job{}, errors.New("report name required")
	}
	if req.Source == nil {
		return Job{}, fmt.Errorf("report %s: data source required", req.Report)
	}
	mimes := req.MimeTypes
	if len(mimes) == 0 {
		mimes = w.defaults
	}
	uniq := make([]string, 0, len(mimes))
	seen := make(map[string]struct{}, len(mimes))
	for _, m := range mimes {
		if _, dup := seen[m]; dup {
			continue
		}
		if _, err := w.processors.Lookup(m); err != nil {
			return Job{}, err
		}
		uniq = append(uniq, m)
		seen[m] = struct{}{}
	}

	ds, err := req.Source.Dataset(ctx)
	if err != nil {
		return Job{}, err
	}
	if ds.Title == "" {
		ds.Title = req.Report
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	job := Job{
		ID:          id,
		Report:      req.Report,
		MimeTypes:   uniq,
		Rows:        len(ds.Rows),
		Status:      JobQueued,
		RequestedBy: req.RequestedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	w.mu.Lock()
	w.jobs[id] = &job
	queued := job.copy()
	w.mu.Unlock()
	w.record(ctx, queued, nil)

	select {
	case w.queue <- renderTask{id: id, dataset: ds}:
	default:
		w.mu.Lock()
		delete(w.jobs, id)
		w.mu.Unlock()
		return Job{}, errors.New("report queue full")
	}

	w.log.Debugw("report queued", "job", id, "report", req.Report, "mime_types", uniq)
	return queued, nil
}

// Job returns a snapshot of the job.
func (w *Worker) Job(id string) (Job, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	job, ok := w.jobs[id]
	if !ok {
		return Job{}, false
	}
	return job.copy(), true
}

func (w *Worker) process(task renderTask) {
	job, ok := w.update(task.id, func(j *Job) { j.Status = JobRunning })
	if !ok {
		return
	}
	w.record(w.ctx, job, nil)

	artifacts := make([]Artifact, 0, len(job.MimeTypes))
	for _, mime := range job.MimeTypes {
		a, err := w.renderOne(job, mime, task.dataset)
		if err != nil {
			w.rendered.WithLabelValues(mime, string(JobFailed)).Inc()
			w.fail(task.id, err)
			return
		}
		w.rendered.WithLabelValues(mime, string(JobSucceeded)).Inc()
		artifacts = append(artifacts, a)
	}

	now := time.Now().UTC()
	job, _ = w.update(task.id, func(j *Job) {
		j.Status = JobSucceeded
		j.Error = ""
		j.Artifacts = artifacts
		j.CompletedAt = &now
	})
	w.record(w.ctx, job, map[string]any{"artifacts": len(artifacts)})
	w.log.Infow("report rendered", "job", job.ID, "report", job.Report, "artifacts", len(artifacts), "rows", job.Rows)
}

func (w *Worker) renderOne(job Job, mime string, ds Dataset) (Artifact, error) {
	proc, err := w.processors.Lookup(mime)
	if err != nil {
		return Artifact{}, err
	}
	var buf bytes.Buffer
	if err := proc.Render(&buf, ds); err != nil {
		return Artifact{}, fmt.Errorf("render %s: %w", mime, err)
	}
	key := fmt.Sprintf("reports/%s/%s.%s", job.ID, slug(job.Report), proc.Extension())
	info, err := w.store.Put(w.ctx, key, &buf, blob.PutOptions{
		ContentType: mime,
		Metadata:    map[string]string{"report": job.Report, "job": job.ID},
	})
	if err != nil {
		return Artifact{}, fmt.Errorf("store %s: %w", key, err)
	}
	a := Artifact{Key: info.Key, MimeType: mime, Size: info.Size, ETag: info.ETag, CreatedAt: time.Now().UTC()}
	url, err := w.store.PresignURL(w.ctx, key, blob.SignedURLOptions{})
	switch {
	case err == nil:
		a.URL = url
	case !errors.Is(err, blob.ErrUnsupported):
		w.log.Warnw("presign artifact failed", "key", key, "error", err)
	}
	return a, nil
}

func (w *Worker) fail(id string, cause error) {
	now := time.Now().UTC()
	job, ok := w.update(id, func(j *Job) {
		j.Status = JobFailed
		j.Error = cause.Error()
		j.CompletedAt = &now
	})
	if !ok {
		return
	}
	w.record(w.ctx, job, map[string]any{"error": cause.Error()})
	w.log.Errorw("report failed", "job", id, "report", job.Report, "error", cause)
}

// update mutates the job under the lock and returns a snapshot.
func (w *Worker) update(id string, fn func(*Job)) (Job, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	job, ok := w.jobs[id]
	if !ok {
		return Job{}, false
	}
	fn(job)
	job.UpdatedAt = time.Now().UTC()
	return job.copy(), true
}

func (w *Worker) record(ctx context.Context, job Job, meta map[string]any) {
	if w.audit == nil {
		return
	}
	w.audit.Record(ctx, AuditEntry{
		ID:         uuid.NewString(),
		Action:     "report_render",
		Actor:      job.RequestedBy,
		Report:     job.Report,
		JobID:      job.ID,
		Status:     job.Status,
		Metadata:   meta,
		OccurredAt: job.UpdatedAt,
	})
}

func slug(name string) string {
	s := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, strings.TrimSpace(name))
	s = strings.Trim(s, "-")
	if s == "" {
		return "report"
	}
	return s
}
