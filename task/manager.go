package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"audioinsight/config"

	"github.com/lithammer/shortuuid/v4"
	"github.com/sirupsen/logrus"
)

var (
	ErrEmptyUpload    = errors.New("no file uploaded")
	ErrUploadTooLarge = errors.New("uploaded file exceeds the size limit")
	ErrQueueFull      = errors.New("task queue is full, try again later")
	ErrShuttingDown   = errors.New("server is shutting down")
)

// Failure messages for tasks the manager gives up on without running them.
const (
	shutdownMessage    = "server shutting down"
	interruptedMessage = "interrupted by restart"
)

// Reporter records stage transitions and progress for the running task.
type Reporter func(stage Stage, progress int)

// Job is what a Runner gets to work on. The staged input file belongs to the
// job until the run returns; the manager removes it afterwards.
type Job struct {
	TaskID    string
	Model     string
	Filename  string
	InputPath string
}

// Runner executes the analysis pipeline for one job.
type Runner interface {
	Run(ctx context.Context, job Job, report Reporter) (Result, error)
}

// Upload is an incoming submission.
type Upload struct {
	Filename string
	Model    string
	Body     io.Reader
}

type Manager struct {
	cfg            *config.Config
	registry       Registry
	taskQueue      chan Job
	concurrencySem chan struct{}
	runner         Runner
	log            logrus.FieldLogger
	cancels        sync.Map // task id -> context.CancelFunc
	wg             sync.WaitGroup
	uploadDir      string

	mu       sync.Mutex // guards closed, started and enqueueing
	closed   bool
	started  bool
	loopDone chan struct{}
}

func NewManager(cfg *config.Config, registry Registry, runner Runner, log logrus.FieldLogger) (*Manager, error) {
	if registry == nil || runner == nil {
		return nil, errors.New("task manager needs a registry and a runner")
	}
	uploadDir := cfg.UploadDir
	if uploadDir == "" {
		uploadDir = os.TempDir()
	}
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create upload directory: %w", err)
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 100
	}
	m := &Manager{
		cfg:            cfg,
		registry:       registry,
		taskQueue:      make(chan Job, queueSize),
		concurrencySem: make(chan struct{}, cfg.MaxConcurrency),
		runner:         runner,
		log:            log.WithField("component", "task_manager"),
		uploadDir:      uploadDir,
		loopDone:       make(chan struct{}),
	}
	return m, nil
}

func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()

	m.log.WithField("max_concurrency", m.cfg.MaxConcurrency).Info("task manager started")
	go m.cleanupLoop(ctx)
	go m.workerLoop(ctx)
}

// Recover fails tasks left processing by a previous process. Call it before
// Start.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	n, err := m.registry.Interrupt(ctx, interruptedMessage)
	if err != nil {
		return 0, fmt.Errorf("could not fail interrupted tasks: %w", err)
	}
	if n > 0 {
		m.log.WithField("tasks", n).Warn("failed tasks interrupted by a restart")
	}
	return n, nil
}

// Wait blocks until the worker loop has stopped and every running pipeline
// has returned. Cancel the context given to Start first.
func (m *Manager) Wait() {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if started {
		<-m.loopDone
	}
	m.wg.Wait()
}

// workerLoop pulls jobs from the queue and runs each in its own goroutine,
// bounded by the concurrency semaphore. It is the only caller of wg.Add.
func (m *Manager) workerLoop(ctx context.Context) {
	defer close(m.loopDone)
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return
		case job := <-m.taskQueue:
			if ctx.Err() != nil {
				m.abandon(job)
				m.shutdown()
				return
			}
			select {
			case m.concurrencySem <- struct{}{}:
			case <-ctx.Done():
				m.abandon(job)
				m.shutdown()
				return
			}
			// A freed slot and cancellation can be ready together.
			if ctx.Err() != nil {
				<-m.concurrencySem
				m.abandon(job)
				m.shutdown()
				return
			}
			m.wg.Add(1)
			go func(j Job) {
				defer m.wg.Done()
				defer func() { <-m.concurrencySem }()
				m.processTask(ctx, j)
			}(job)
		}
	}
}

// shutdown stops accepting submissions and fails every job still queued.
func (m *Manager) shutdown() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	drained := 0
	for {
		select {
		case job := <-m.taskQueue:
			m.abandon(job)
			drained++
		default:
			m.log.WithField("abandoned", drained).Info("worker loop shutting down")
			return
		}
	}
}

// abandon fails a job that will never run and releases its upload.
func (m *Manager) abandon(job Job) {
	defer m.release(job)
	_, err := m.registry.Update(context.Background(), job.TaskID, Failed(shutdownMessage))
	if err != nil && !errors.Is(err, ErrTerminal) {
		m.log.WithField("task_id", job.TaskID).WithError(err).Warn("could not fail abandoned task")
	}
}

// processTask runs one job and records exactly one terminal transition.
func (m *Manager) processTask(parentCtx context.Context, job Job) {
	log := m.log.WithField("task_id", job.TaskID)
	defer m.release(job)

	// Shutdown must not abort a pipeline half way; only the per-task
	// timeout and explicit cancellation do.
	taskCtx, cancel := context.WithTimeout(context.WithoutCancel(parentCtx), m.cfg.TaskTimeout)
	m.cancels.Store(job.TaskID, cancel)
	defer func() {
		m.cancels.Delete(job.TaskID)
		cancel()
	}()

	t, err := m.registry.Get(taskCtx, job.TaskID)
	if err != nil {
		log.WithError(err).Warn("queued task disappeared before processing")
		return
	}
	if t.Status.Terminal() {
		log.WithField("status", t.Status).Info("task finished before processing started")
		return
	}

	log.WithField("model", job.Model).Info("processing task")
	start := time.Now()
	result, err := m.run(taskCtx, job)

	var patch Patch
	if err != nil {
		msg := failureMessage(taskCtx, err)
		log.WithError(err).WithField("duration_ms", time.Since(start).Milliseconds()).Warn("task failed")
		patch = Failed(msg)
	} else {
		log.WithField("duration_ms", time.Since(start).Milliseconds()).Info("task completed")
		patch = Completed(result)
	}
	if _, err := m.registry.Update(context.WithoutCancel(taskCtx), job.TaskID, patch); err != nil {
		log.WithError(err).Error("could not record terminal task state")
	}
}

// run invokes the runner and turns a panic into an ordinary failure.
func (m *Manager) run(ctx context.Context, job Job) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.WithField("task_id", job.TaskID).WithField("panic", r).Error("pipeline panicked")
			err = fmt.Errorf("internal error: %v", r)
		}
	}()
	return m.runner.Run(ctx, job, m.reporter(ctx, job.TaskID))
}

func (m *Manager) reporter(ctx context.Context, taskID string) Reporter {
	return func(stage Stage, progress int) {
		if _, err := m.registry.Update(context.WithoutCancel(ctx), taskID, Progressed(stage, progress)); err != nil {
			m.log.WithField("task_id", taskID).WithError(err).Debug("progress update rejected")
		}
	}
}

func failureMessage(ctx context.Context, err error) string {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return "task timed out"
	case errors.Is(ctx.Err(), context.Canceled):
		return "task canceled"
	}
	return err.Error()
}

// release deletes the staged upload owned by job.
func (m *Manager) release(job Job) {
	if job.InputPath == "" {
		return
	}
	if err := os.Remove(job.InputPath); err != nil && !os.IsNotExist(err) {
		m.log.WithField("task_id", job.TaskID).WithError(err).Warn("could not remove staged upload")
	}
}

// cleanupLoop periodically evicts terminal tasks older than the retention period.
func (m *Manager) cleanupLoop(ctx context.Context) {
	if m.cfg.TaskRetention <= 0 {
		return
	}
	interval := m.cfg.TaskRetention / 4 // Check 4 times per lifetime
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("cleanup loop shutting down")
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.log.WithError(err).Warn("task sweep failed")
			}
		}
	}
}

// Sweep evicts terminal tasks that completed more than TaskRetention ago.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	if m.cfg.TaskRetention <= 0 {
		return 0, nil
	}
	n, err := m.registry.Sweep(ctx, time.Now().UTC().Add(-m.cfg.TaskRetention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.log.WithField("evicted", n).Info("evicted expired tasks")
	}
	return n, nil
}

// Submit stages the upload, registers a processing task and queues it. It
// never waits for the pipeline.
func (m *Manager) Submit(ctx context.Context, up Upload) (*Task, error) {
	if up.Body == nil {
		return nil, ErrEmptyUpload
	}
	if m.isClosed() {
		return nil, ErrShuttingDown
	}

	id := fmt.Sprintf("%s_%d", shortuuid.New(), time.Now().Unix())
	inputPath, err := m.stage(id, up)
	if err != nil {
		return nil, err
	}

	model := up.Model
	if model == "" {
		model = m.cfg.DefaultModel
	}
	t := New(id, model, filepath.Base(up.Filename), time.Now().UTC())
	job := Job{TaskID: id, Model: model, Filename: t.Filename, InputPath: inputPath}
	if err := m.registry.Create(ctx, t); err != nil {
		m.release(job)
		return nil, fmt.Errorf("could not register task: %w", err)
	}

	if err := m.enqueue(job); err != nil {
		m.release(job)
		if _, uerr := m.registry.Update(ctx, id, Failed(err.Error())); uerr != nil {
			m.log.WithField("task_id", id).WithError(uerr).Warn("could not fail rejected task")
		}
		return nil, err
	}

	m.log.WithField("task_id", id).WithField("model", model).Info("task submitted to queue")
	return t, nil
}

// enqueue hands job to the worker loop without blocking. Holding mu keeps
// shutdown from missing a job that is being queued.
func (m *Manager) enqueue(job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrShuttingDown
	}
	select {
	case m.taskQueue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

var safeExt = regexp.MustCompile(`^\.[A-Za-z0-9]{1,8}$`)

// stage copies the upload into the upload directory, enforcing the size limit.
func (m *Manager) stage(id string, up Upload) (string, error) {
	ext := filepath.Ext(filepath.Base(up.Filename))
	if !safeExt.MatchString(ext) {
		ext = ""
	}
	tmpFile, err := os.CreateTemp(m.uploadDir, id+"_input_*"+ext)
	if err != nil {
		return "", fmt.Errorf("could not stage upload: %w", err)
	}
	discard := func() {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
	}

	limitedReader := &io.LimitedReader{R: up.Body, N: m.cfg.MaxInputSize + 1}
	written, err := io.Copy(tmpFile, limitedReader)
	if err != nil {
		discard()
		return "", fmt.Errorf("could not stage upload: %w", err)
	}
	if written == 0 {
		discard()
		return "", ErrEmptyUpload
	}
	if written > m.cfg.MaxInputSize {
		discard()
		return "", ErrUploadTooLarge
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpFile.Name())
		return "", err
	}
	return tmpFile.Name(), nil
}

func (m *Manager) Get(ctx context.Context, taskID string) (*Task, error) {
	return m.registry.Get(ctx, taskID)
}

func (m *Manager) List(ctx context.Context) ([]*Task, error) {
	return m.registry.List(ctx)
}

// Cancel stops a task. A running pipeline has its context canceled; a queued
// one is failed right away and skipped when a worker picks it up.
func (m *Manager) Cancel(ctx context.Context, taskID string) error {
	t, err := m.registry.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return fmt.Errorf("cannot cancel task in state: %s: %w", t.Status, ErrTerminal)
	}
	if val, ok := m.cancels.Load(taskID); ok {
		val.(context.CancelFunc)()
		m.log.WithField("task_id", taskID).Info("cancellation signal sent to running task")
		return nil
	}
	if _, err := m.registry.Update(ctx, taskID, Failed("task canceled")); err != nil {
		return err
	}
	m.log.WithField("task_id", taskID).Info("task canceled in queue")
	return nil
}
