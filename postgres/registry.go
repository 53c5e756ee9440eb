package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"audioinsight/task"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolationCode = "23505"

const taskColumns = `id, status, stage, progress, model, filename, voice_analysis, content_analysis, error, created_at, updated_at, completed_at`

// TaskRegistry implements task.Registry on a tasks table. Updates run the
// same merge rules as the in-memory registry inside a row-locking transaction.
type TaskRegistry struct {
	db  *sql.DB
	now func() time.Time
}

func NewTaskRegistry(db *sql.DB) *TaskRegistry {
	return &TaskRegistry{db: db, now: time.Now}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*task.Task, error) {
	var (
		t              task.Task
		voice, content sql.NullString
		completedAt    sql.NullTime
	)
	err := row.Scan(&t.ID, &t.Status, &t.Stage, &t.Progress, &t.Model, &t.Filename,
		&voice, &content, &t.Error, &t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if voice.Valid || content.Valid {
		t.Result = &task.Result{VoiceAnalysis: voice.String, ContentAnalysis: content.String}
	}
	if completedAt.Valid {
		ts := completedAt.Time
		t.CompletedAt = &ts
	}
	return &t, nil
}

func resultColumns(t *task.Task) (voice, content sql.NullString) {
	if t.Result == nil {
		return
	}
	return sql.NullString{String: t.VoiceAnalysis, Valid: true}, sql.NullString{String: t.ContentAnalysis, Valid: true}
}

func (r *TaskRegistry) Create(ctx context.Context, t *task.Task) error {
	voice, content := resultColumns(t)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, t.Status, t.Stage, t.Progress, t.Model, t.Filename,
		voice, content, t.Error, t.CreatedAt, t.UpdatedAt, t.CompletedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return task.ErrExists
		}
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

func (r *TaskRegistry) Get(ctx context.Context, id string) (*task.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	return t, nil
}

func (r *TaskRegistry) Update(ctx context.Context, id string, p task.Patch) (*task.Task, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}

	if err := task.Apply(t, p, r.now()); err != nil {
		return nil, err
	}

	voice, content := resultColumns(t)
	_, err = tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = $2, stage = $3, progress = $4, voice_analysis = $5, content_analysis = $6,
		    error = $7, updated_at = $8, completed_at = $9
		WHERE id = $1`,
		t.ID, t.Status, t.Stage, t.Progress, voice, content, t.Error, t.UpdatedAt, t.CompletedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit task update: %w", err)
	}
	return t, nil
}

func (r *TaskRegistry) List(ctx context.Context) ([]*task.Task, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Interrupt fails the tasks a previous process left processing. Each row goes
// through Update so the usual transition rules apply.
func (r *TaskRegistry) Interrupt(ctx context.Context, reason string) (int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM tasks WHERE status = $1`, task.StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("failed to list processing tasks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to list processing tasks: %w", err)
	}

	failed := 0
	for _, id := range ids {
		_, err := r.Update(ctx, id, task.Failed(reason))
		switch {
		case err == nil:
			failed++
		case errors.Is(err, task.ErrTerminal), errors.Is(err, task.ErrNotFound):
		default:
			return failed, err
		}
	}
	return failed, nil
}

func (r *TaskRegistry) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM tasks
		WHERE status IN ($1, $2) AND completed_at IS NOT NULL AND completed_at < $3`,
		task.StatusCompleted, task.StatusFailed, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
