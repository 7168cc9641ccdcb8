package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/clip-tender/telemetry"
)

// Handler executes one attempt of a job. progress may be called any number
// of times; values are clamped to [0,100]. A returned error is classified
// with Classify to decide between retry and FAILED.
type Handler func(ctx context.Context, job Job, progress func(int)) error

// Options configures an Orchestrator.
type Options struct {
	Workers int
	Retry   RetryPolicy
	Logger  *slog.Logger
}

// Orchestrator owns the job lifecycle: it persists jobs, dispatches them to
// a fixed pool of workers, retries transient failures and publishes every
// state change on its Hub.
type Orchestrator struct {
	store    Store
	hub      *Hub
	workers  int
	retry    RetryPolicy
	logger   *slog.Logger
	handlers map[Kind]Handler

	mu    sync.Mutex
	queue []string
	wake  chan struct{}

	wg      sync.WaitGroup
	started bool

	// wait blocks for a retry delay; replaced in tests.
	wait func(ctx context.Context, d time.Duration) error
}

// New builds an orchestrator. A nil hub gets a default one.
func New(store Store, hub *Hub, opts Options) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if hub == nil {
		hub = NewHub(HubOptions{})
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:    store,
		hub:      hub,
		workers:  opts.Workers,
		retry:    opts.Retry.normalized(),
		logger:   logger.With(slog.String("component", "job_orchestrator")),
		handlers: map[Kind]Handler{},
		wake:     make(chan struct{}, opts.Workers),
		wait:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Register binds a handler to a kind. Call before Start.
func (o *Orchestrator) Register(kind Kind, h Handler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers[kind] = h
}

func (o *Orchestrator) handler(kind Kind) (Handler, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.handlers[kind]
	return h, ok
}

// Hub returns the event hub.
func (o *Orchestrator) Hub() *Hub { return o.hub }

// Store returns the backing store.
func (o *Orchestrator) Store() Store { return o.store }

// Enqueue persists a PENDING job and schedules it. It returns ErrResourceBusy
// while another job for resourceKey is PENDING or PROCESSING. payload is
// JSON-encoded unless it already is a json.RawMessage.
func (o *Orchestrator) Enqueue(ctx context.Context, kind Kind, resourceKey string, payload any) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("enqueue: unknown job kind %q", kind)
	}
	if _, ok := o.handler(kind); !ok {
		return "", fmt.Errorf("enqueue %s: %w", kind, ErrUnknownKind)
	}
	if resourceKey == "" {
		return "", errors.New("enqueue: empty resource key")
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return "", fmt.Errorf("enqueue: encode payload: %w", err)
	}
	j := &Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		Status:      StatusPending,
		ResourceKey: resourceKey,
		Payload:     raw,
	}
	if err := o.store.Create(ctx, j); err != nil {
		if errors.Is(err, ErrResourceBusy) {
			telemetry.JobRejected(string(kind))
			o.logger.Info("enqueue rejected: resource busy", slog.String("kind", string(kind)), slog.String("resource", resourceKey))
			return "", ErrResourceBusy
		}
		return "", fmt.Errorf("enqueue: %w", err)
	}
	telemetry.JobEnqueued(string(kind))
	o.logger.Info("job enqueued", slog.String("job_id", j.ID), slog.String("kind", string(kind)), slog.String("resource", resourceKey))
	o.hub.Publish(eventFor(*j))
	o.push(j.ID)
	return j.ID, nil
}

func encodePayload(p any) (json.RawMessage, error) {
	switch v := p.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		return json.Marshal(v)
	}
}

// ReportProgress records percent (clamped to [0,100]) for a non-terminal job.
// Reports on a terminal job are ignored.
func (o *Orchestrator) ReportProgress(ctx context.Context, id string, percent int) error {
	percent = ClampProgress(percent)
	j, err := o.store.Update(ctx, id, func(j *Job) error {
		if j.Status.Terminal() || j.Progress == percent {
			return errSkip
		}
		j.Progress = percent
		return nil
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return err
	}
	o.hub.Publish(eventFor(j))
	return nil
}

// Complete moves a job to COMPLETED. Completing a terminal job is a no-op.
func (o *Orchestrator) Complete(ctx context.Context, id string) error {
	return o.finish(ctx, id, StatusCompleted, "")
}

// Fail moves a job to FAILED with err's message. Failing a terminal job is a no-op.
func (o *Orchestrator) Fail(ctx context.Context, id string, err error) error {
	msg := "failed"
	if err != nil {
		msg = err.Error()
	}
	return o.finish(ctx, id, StatusFailed, msg)
}

func (o *Orchestrator) finish(ctx context.Context, id string, status Status, msg string) error {
	j, err := o.store.Update(ctx, id, func(j *Job) error {
		if j.Status.Terminal() {
			return errSkip
		}
		now := time.Now().UTC()
		j.Status = status
		j.Error = msg
		j.FinishedAt = &now
		if status == StatusCompleted {
			j.Progress = 100
		}
		return nil
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return err
	}
	if status == StatusCompleted {
		telemetry.JobCompleted(string(j.Kind))
	} else {
		telemetry.JobFailed(string(j.Kind))
	}
	o.hub.Publish(eventFor(j))
	return nil
}

// Get returns the current {status, progress, error} of a job.
func (o *Orchestrator) Get(ctx context.Context, id string) (Snapshot, error) {
	j, err := o.store.Get(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	return j.Snapshot(), nil
}

// Subscribe follows a job's events. Closing the subscription never cancels the job.
func (o *Orchestrator) Subscribe(id string) *Subscription { return o.hub.Subscribe(id) }

// Recover reschedules work left over by a previous process: PENDING jobs are
// queued again, PROCESSING jobs with attempts left go back to PENDING, the
// rest are marked FAILED. Call before Start.
func (o *Orchestrator) Recover(ctx context.Context) (requeued, failed int, err error) {
	pending, err := o.store.List(ctx, ListFilter{Status: StatusPending, Limit: 1000})
	if err != nil {
		return 0, 0, fmt.Errorf("list pending: %w", err)
	}
	for _, j := range pending {
		o.push(j.ID)
		requeued++
	}
	processing, err := o.store.List(ctx, ListFilter{Status: StatusProcessing, Limit: 1000})
	if err != nil {
		return requeued, 0, fmt.Errorf("list processing: %w", err)
	}
	for _, j := range processing {
		if j.Attempts < o.retry.MaxAttempts {
			if _, err := o.store.Update(ctx, j.ID, func(j *Job) error {
				if j.Status != StatusProcessing {
					return errSkip
				}
				j.Status = StatusPending
				return nil
			}); err != nil && !errors.Is(err, errSkip) {
				o.logger.Warn("requeue interrupted job failed", slog.String("job_id", j.ID), slog.Any("err", err))
				continue
			}
			o.push(j.ID)
			requeued++
			continue
		}
		if err := o.Fail(ctx, j.ID, errors.New("interrupted by restart")); err != nil {
			o.logger.Warn("fail interrupted job failed", slog.String("job_id", j.ID), slog.Any("err", err))
			continue
		}
		failed++
	}
	if requeued > 0 || failed > 0 {
		o.logger.Info("recovered jobs", slog.Int("requeued", requeued), slog.Int("failed", failed))
	}
	return requeued, failed, nil
}

// Start launches the worker pool. Workers exit when ctx is done; use Wait to
// block until they have.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.mu.Unlock()

	o.logger.Info("starting job workers", slog.Int("workers", o.workers), slog.Int("max_attempts", o.retry.MaxAttempts))
	for i := 0; i < o.workers; i++ {
		o.wg.Add(1)
		go func(n int) {
			defer o.wg.Done()
			o.worker(ctx, n)
		}(i)
	}
}

// Wait blocks until every worker has returned.
func (o *Orchestrator) Wait() { o.wg.Wait() }

func (o *Orchestrator) push(id string) {
	o.mu.Lock()
	o.queue = append(o.queue, id)
	depth := len(o.queue)
	o.mu.Unlock()
	telemetry.SetJobQueueDepth(depth)
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) next(ctx context.Context) (string, bool) {
	for {
		o.mu.Lock()
		if len(o.queue) > 0 {
			id := o.queue[0]
			o.queue = o.queue[1:]
			depth := len(o.queue)
			o.mu.Unlock()
			telemetry.SetJobQueueDepth(depth)
			return id, true
		}
		o.mu.Unlock()
		select {
		case <-ctx.Done():
			return "", false
		case <-o.wake:
		}
	}
}

func (o *Orchestrator) worker(ctx context.Context, n int) {
	logger := o.logger.With(slog.Int("worker", n))
	for {
		id, ok := o.next(ctx)
		if !ok {
			logger.Debug("worker stopped")
			return
		}
		o.execute(ctx, logger, id)
	}
}

// execute runs a job to a terminal state, retrying transient failures in place.
func (o *Orchestrator) execute(ctx context.Context, logger *slog.Logger, id string) {
	j, err := o.store.Get(ctx, id)
	if err != nil {
		logger.Warn("dequeued job not loadable", slog.String("job_id", id), slog.Any("err", err))
		return
	}
	if j.Status != StatusPending {
		return
	}
	h, ok := o.handler(j.Kind)
	if !ok {
		_ = o.Fail(ctx, id, fmt.Errorf("%w: %s", ErrUnknownKind, j.Kind))
		return
	}
	logger = logger.With(slog.String("job_id", id), slog.String("kind", string(j.Kind)), slog.String("resource", j.ResourceKey))
	telemetry.IncActiveJobs()
	defer telemetry.DecActiveJobs()
	start := time.Now()
	defer func() { telemetry.ObserveJobDuration(string(j.Kind), time.Since(start)) }()

	bo := o.retry.newBackOff()
	for {
		j, err = o.store.Update(ctx, id, func(j *Job) error {
			if j.Status.Terminal() {
				return errSkip
			}
			j.Status = StatusProcessing
			j.Attempts++
			return nil
		})
		if err != nil {
			if !errors.Is(err, errSkip) {
				logger.Error("mark processing failed", slog.Any("err", err))
			}
			return
		}
		o.hub.Publish(eventFor(j))
		logger.Info("job attempt started", slog.Int("attempt", j.Attempts))

		runErr := o.run(ctx, h, j)
		if runErr == nil {
			if err := o.Complete(ctx, id); err != nil {
				logger.Error("complete job failed", slog.Any("err", err))
			}
			logger.Info("job completed", slog.Int("attempt", j.Attempts), slog.Duration("elapsed", time.Since(start)))
			return
		}
		if ctx.Err() != nil {
			// Shutdown; Recover picks the job up on the next start.
			logger.Warn("job interrupted by shutdown", slog.Any("err", runErr))
			return
		}
		if !o.retry.ShouldRetry(j.Attempts, runErr) {
			if err := o.Fail(ctx, id, runErr); err != nil {
				logger.Error("fail job failed", slog.Any("err", err))
			}
			logger.Warn("job failed", slog.Int("attempt", j.Attempts), slog.String("class", Classify(runErr).String()), slog.Any("err", runErr))
			return
		}
		delay := bo.NextBackOff()
		telemetry.JobRetried(string(j.Kind))
		logger.Warn("job attempt failed, retrying", slog.Int("attempt", j.Attempts), slog.Duration("backoff", delay), slog.Any("err", runErr))
		if err := o.wait(ctx, delay); err != nil {
			return
		}
	}
}

// run invokes the handler for one attempt, converting a panic into a
// permanent error.
func (o *Orchestrator) run(ctx context.Context, h Handler, j Job) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "jobs", "job."+string(j.Kind),
		attribute.String("job.id", j.ID),
		attribute.String("job.resource", j.ResourceKey),
		attribute.Int("job.attempt", j.Attempts),
	)
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("handler panic: %v", r))
		}
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.SetSpanSuccess(span)
		}
	}()

	var mu sync.Mutex
	last := -1
	progress := func(p int) {
		p = ClampProgress(p)
		mu.Lock()
		defer mu.Unlock()
		if p == last {
			return
		}
		last = p
		if err := o.ReportProgress(ctx, j.ID, p); err != nil {
			o.logger.Debug("progress report failed", slog.String("job_id", j.ID), slog.Any("err", err))
		}
	}
	return h(ctx, j, progress)
}
