package task

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"audioinsight/config"
	"audioinsight/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRunner is a mock implementation of the Runner interface for testing.
type mockRunner struct {
	runFunc func(ctx context.Context, job Job, report Reporter) (Result, error)
}

func (m *mockRunner) Run(ctx context.Context, job Job, report Reporter) (Result, error) {
	if m.runFunc != nil {
		return m.runFunc(ctx, job, report)
	}
	return Result{VoiceAnalysis: "mock voice", ContentAnalysis: "mock content"}, nil
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		MaxConcurrency: 1,
		QueueSize:      10,
		TaskTimeout:    10 * time.Second,
		TaskRetention:  time.Hour,
		MaxInputSize:   1024,
		DefaultModel:   "default-model",
		UploadDir:      t.TempDir(),
	}
}

func newTestManager(t *testing.T, cfg *config.Config, runner Runner) (*Manager, *MemoryRegistry) {
	reg := NewMemoryRegistry()
	mgr, err := NewManager(cfg, reg, runner, logger.Discard())
	require.NoError(t, err)
	return mgr, reg
}

func submit(t *testing.T, mgr *Manager, body, model string) *Task {
	tk, err := mgr.Submit(context.Background(), Upload{Filename: "call.wav", Model: model, Body: strings.NewReader(body)})
	require.NoError(t, err)
	return tk
}

func waitForStatus(t *testing.T, mgr *Manager, id string, want Status) *Task {
	var got *Task
	require.Eventually(t, func() bool {
		tk, err := mgr.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = tk
		return tk.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func TestTaskManager_Submit(t *testing.T) {
	cfg := testConfig(t)
	mgr, reg := newTestManager(t, cfg, &mockRunner{})

	tk := submit(t, mgr, "RIFF....WAVE", "")
	assert.NotEmpty(t, tk.ID)
	assert.Equal(t, StatusProcessing, tk.Status)
	assert.Equal(t, 0, tk.Progress)
	assert.Equal(t, "default-model", tk.Model)
	assert.Equal(t, 1, reg.Len())

	retrieved, err := mgr.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, tk.ID, retrieved.ID)

	t.Run("explicit model is kept", func(t *testing.T) {
		tk := submit(t, mgr, "data", "gemini-2.0-flash")
		assert.Equal(t, "gemini-2.0-flash", tk.Model)
	})
}

func TestTaskManager_SubmitValidation(t *testing.T) {
	cfg := testConfig(t)
	mgr, reg := newTestManager(t, cfg, &mockRunner{})
	ctx := context.Background()

	_, err := mgr.Submit(ctx, Upload{Filename: "a.wav"})
	assert.ErrorIs(t, err, ErrEmptyUpload)

	_, err = mgr.Submit(ctx, Upload{Filename: "a.wav", Body: strings.NewReader("")})
	assert.ErrorIs(t, err, ErrEmptyUpload)

	_, err = mgr.Submit(ctx, Upload{Filename: "a.wav", Body: strings.NewReader(strings.Repeat("x", 2048))})
	assert.ErrorIs(t, err, ErrUploadTooLarge)

	assert.Equal(t, 0, reg.Len())
	entries, err := os.ReadDir(cfg.UploadDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "rejected uploads must not stay on disk")
}

func TestTaskManager_SubmitDoesNotBlock(t *testing.T) {
	cfg := testConfig(t)
	release := make(chan struct{})
	started := make(chan struct{})
	runner := &mockRunner{
		runFunc: func(ctx context.Context, job Job, report Reporter) (Result, error) {
			close(started)
			<-release
			return Result{VoiceAnalysis: "v"}, nil
		},
	}
	mgr, _ := newTestManager(t, cfg, runner)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.Start(ctx)

	tk := submit(t, mgr, "audio", "")
	<-started

	got, err := mgr.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)

	close(release)
	waitForStatus(t, mgr, tk.ID, StatusCompleted)
}

func TestTaskManager_ProcessTask(t *testing.T) {
	t.Run("successful processing", func(t *testing.T) {
		cfg := testConfig(t)
		var stagedPath string
		runner := &mockRunner{
			runFunc: func(ctx context.Context, job Job, report Reporter) (Result, error) {
				stagedPath = job.InputPath
				data, err := os.ReadFile(job.InputPath)
				if err != nil {
					return Result{}, err
				}
				report(StageConverting, 25)
				report(StageTranscribing, 60)
				return Result{VoiceAnalysis: "voice:" + string(data), ContentAnalysis: "content"}, nil
			},
		}
		mgr, _ := newTestManager(t, cfg, runner)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		mgr.Start(ctx)

		tk := submit(t, mgr, "hello", "")
		done := waitForStatus(t, mgr, tk.ID, StatusCompleted)
		assert.Equal(t, 100, done.Progress)
		assert.Equal(t, "voice:hello", done.VoiceAnalysis)
		assert.Empty(t, done.Error)

		cancel()
		mgr.Wait()
		_, err := os.Stat(stagedPath)
		assert.True(t, os.IsNotExist(err), "staged upload should be released")
	})

	t.Run("failed processing", func(t *testing.T) {
		cfg := testConfig(t)
		runner := &mockRunner{
			runFunc: func(ctx context.Context, job Job, report Reporter) (Result, error) {
				report(StageConverting, 25)
				return Result{}, errors.New("transcribing: upstream rejected the file")
			},
		}
		mgr, _ := newTestManager(t, cfg, runner)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		mgr.Start(ctx)

		tk := submit(t, mgr, "hello", "")
		failed := waitForStatus(t, mgr, tk.ID, StatusFailed)
		assert.Equal(t, "transcribing: upstream rejected the file", failed.Error)
		assert.Equal(t, 100, failed.Progress)
		assert.Nil(t, failed.Result)
	})

	t.Run("panic becomes a failure", func(t *testing.T) {
		cfg := testConfig(t)
		runner := &mockRunner{
			runFunc: func(ctx context.Context, job Job, report Reporter) (Result, error) {
				panic("converter exploded")
			},
		}
		mgr, _ := newTestManager(t, cfg, runner)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		mgr.Start(ctx)

		tk := submit(t, mgr, "hello", "")
		failed := waitForStatus(t, mgr, tk.ID, StatusFailed)
		assert.Contains(t, failed.Error, "converter exploded")
	})

	t.Run("timeout fails the task", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.TaskTimeout = 20 * time.Millisecond
		runner := &mockRunner{
			runFunc: func(ctx context.Context, job Job, report Reporter) (Result, error) {
				<-ctx.Done()
				return Result{}, ctx.Err()
			},
		}
		mgr, _ := newTestManager(t, cfg, runner)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		mgr.Start(ctx)

		tk := submit(t, mgr, "hello", "")
		failed := waitForStatus(t, mgr, tk.ID, StatusFailed)
		assert.Equal(t, "task timed out", failed.Error)
	})

	t.Run("progress is monotonic across polls", func(t *testing.T) {
		cfg := testConfig(t)
		runner := &mockRunner{
			runFunc: func(ctx context.Context, job Job, report Reporter) (Result, error) {
				for _, p := range []int{5, 3, 25, 20, 60, 80} {
					report(StageConverting, p)
					time.Sleep(2 * time.Millisecond)
				}
				return Result{ContentAnalysis: "c"}, nil
			},
		}
		mgr, _ := newTestManager(t, cfg, runner)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		mgr.Start(ctx)

		tk := submit(t, mgr, "hello", "")
		last, regressed := -1, false
		require.Eventually(t, func() bool {
			got, err := mgr.Get(ctx, tk.ID)
			if err != nil {
				return false
			}
			if got.Progress < last {
				regressed = true
			}
			last = got.Progress
			return got.Status.Terminal()
		}, 2*time.Second, time.Millisecond)
		assert.False(t, regressed)
		assert.Equal(t, 100, last)
	})
}

func TestTaskManager_Concurrency(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxConcurrency = 3
	var mu sync.Mutex
	running, peak := 0, 0
	runner := &mockRunner{
		runFunc: func(ctx context.Context, job Job, report Reporter) (Result, error) {
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
			return Result{VoiceAnalysis: job.TaskID}, nil
		},
	}
	mgr, _ := newTestManager(t, cfg, runner)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.Start(ctx)

	var ids []string
	for i := 0; i < 6; i++ {
		ids = append(ids, submit(t, mgr, "audio", "").ID)
	}
	for _, id := range ids {
		done := waitForStatus(t, mgr, id, StatusCompleted)
		assert.Equal(t, id, done.VoiceAnalysis)
	}
	assert.LessOrEqual(t, peak, 3)
	assert.Greater(t, peak, 1)
}

func TestTaskManager_QueueFull(t *testing.T) {
	cfg := testConfig(t)
	cfg.QueueSize = 1
	mgr, _ := newTestManager(t, cfg, &mockRunner{})
	// Not started: nothing drains the queue.
	submit(t, mgr, "a", "")

	_, err := mgr.Submit(context.Background(), Upload{Filename: "b.wav", Body: strings.NewReader("b")})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestTaskManager_Shutdown(t *testing.T) {
	cfg := testConfig(t)
	started := make(chan string, 1)
	release := make(chan struct{})
	runner := &mockRunner{
		runFunc: func(ctx context.Context, job Job, report Reporter) (Result, error) {
			started <- job.TaskID
			<-release
			return Result{VoiceAnalysis: "v"}, nil
		},
	}
	mgr, _ := newTestManager(t, cfg, runner)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.Start(ctx)

	running := submit(t, mgr, "first", "")
	require.Equal(t, running.ID, <-started)
	queued := []*Task{submit(t, mgr, "second", ""), submit(t, mgr, "third", "")}

	cancel()
	close(release)
	mgr.Wait()

	done, err := mgr.Get(context.Background(), running.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status, "running pipelines finish during shutdown")

	for _, tk := range queued {
		got, err := mgr.Get(context.Background(), tk.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, got.Status)
		assert.Equal(t, StageFailed, got.Stage)
		assert.Equal(t, 100, got.Progress)
		assert.Equal(t, "server shutting down", got.Error)
	}

	entries, err := os.ReadDir(cfg.UploadDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "abandoned uploads must be released")

	_, err = mgr.Submit(context.Background(), Upload{Filename: "late.wav", Body: strings.NewReader("late")})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestTaskManager_WaitDuringSubmissions(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxConcurrency = 2
	cfg.QueueSize = 50
	mgr, _ := newTestManager(t, cfg, &mockRunner{})
	ctx, cancel := context.WithCancel(context.Background())
	mgr.Start(ctx)

	var mu sync.Mutex
	var ids []string
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 40; i++ {
			tk, err := mgr.Submit(context.Background(), Upload{Filename: "a.wav", Body: strings.NewReader("audio")})
			if err != nil {
				continue
			}
			mu.Lock()
			ids = append(ids, tk.ID)
			mu.Unlock()
		}
	}()

	time.Sleep(2 * time.Millisecond)
	cancel()
	mgr.Wait()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for _, id := range ids {
		got, err := mgr.Get(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, got.Status.Terminal(), "task %s left %s after Wait", id, got.Status)
	}
}

func TestTaskManager_Recover(t *testing.T) {
	cfg := testConfig(t)
	mgr, reg := newTestManager(t, cfg, &mockRunner{})
	ctx := context.Background()

	require.NoError(t, reg.Create(ctx, New("stuck", "m", "a.wav", time.Now())))
	_, err := reg.Update(ctx, "stuck", Progressed(StageTranscribing, 25))
	require.NoError(t, err)
	require.NoError(t, reg.Create(ctx, New("done", "m", "a.wav", time.Now())))
	_, err = reg.Update(ctx, "done", Completed(Result{VoiceAnalysis: "v"}))
	require.NoError(t, err)

	n, err := mgr.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stuck, err := mgr.Get(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stuck.Status)
	assert.Equal(t, "interrupted by restart", stuck.Error)

	done, err := mgr.Get(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
}

// rejectingRegistry refuses every new task.
type rejectingRegistry struct {
	*MemoryRegistry
}

func (r rejectingRegistry) Create(context.Context, *Task) error {
	return errors.New("registry unavailable")
}

func TestTaskManager_SubmitRegistryFailure(t *testing.T) {
	cfg := testConfig(t)
	mgr, err := NewManager(cfg, rejectingRegistry{NewMemoryRegistry()}, &mockRunner{}, logger.Discard())
	require.NoError(t, err)

	_, err = mgr.Submit(context.Background(), Upload{Filename: "a.wav", Body: strings.NewReader("audio")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not register task")

	entries, err := os.ReadDir(cfg.UploadDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "staged upload must be released")
}

func TestTaskManager_Cancel(t *testing.T) {
	t.Run("cancel queued task", func(t *testing.T) {
		cfg := testConfig(t)
		// By setting MaxConcurrency to 0, we ensure the worker loop never picks up a task
		cfg.MaxConcurrency = 0
		mgr, _ := newTestManager(t, cfg, &mockRunner{})
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		mgr.Start(ctx)

		tk := submit(t, mgr, "audio", "")
		require.NoError(t, mgr.Cancel(ctx, tk.ID))

		canceled, err := mgr.Get(ctx, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, canceled.Status)
		assert.Equal(t, "task canceled", canceled.Error)
	})

	t.Run("cancel processing task", func(t *testing.T) {
		cfg := testConfig(t)
		processingStarted := make(chan struct{})
		runner := &mockRunner{
			runFunc: func(ctx context.Context, job Job, report Reporter) (Result, error) {
				close(processingStarted)
				<-ctx.Done() // Block until context is canceled
				return Result{}, ctx.Err()
			},
		}
		mgr, _ := newTestManager(t, cfg, runner)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		mgr.Start(ctx)

		tk := submit(t, mgr, "audio", "")
		<-processingStarted

		require.NoError(t, mgr.Cancel(ctx, tk.ID))
		failed := waitForStatus(t, mgr, tk.ID, StatusFailed)
		assert.Equal(t, "task canceled", failed.Error)
	})

	t.Run("cannot cancel completed task", func(t *testing.T) {
		cfg := testConfig(t)
		mgr, _ := newTestManager(t, cfg, &mockRunner{})
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		mgr.Start(ctx)

		tk := submit(t, mgr, "audio", "")
		waitForStatus(t, mgr, tk.ID, StatusCompleted)

		err := mgr.Cancel(ctx, tk.ID)
		assert.ErrorIs(t, err, ErrTerminal)
		assert.Contains(t, err.Error(), "cannot cancel task in state: completed")
	})

	t.Run("unknown task", func(t *testing.T) {
		mgr, _ := newTestManager(t, testConfig(t), &mockRunner{})
		assert.ErrorIs(t, mgr.Cancel(context.Background(), "nope"), ErrNotFound)
	})
}

func TestTaskManager_Sweep(t *testing.T) {
	cfg := testConfig(t)
	mgr, reg := newTestManager(t, cfg, &mockRunner{})
	ctx := context.Background()

	old := time.Now().Add(-3 * time.Hour)
	reg.now = func() time.Time { return old }
	require.NoError(t, reg.Create(ctx, New("old", "m", "a.wav", old)))
	_, err := reg.Update(ctx, "old", Failed("boom"))
	require.NoError(t, err)
	reg.now = time.Now

	n, err := mgr.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	cfg.TaskRetention = 0
	n, err = mgr.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
