package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"audioinsight/task"
)

// ResultCache implements cache.Cache on the analysis_results table.
type ResultCache struct {
	db *sql.DB
}

func NewResultCache(db *sql.DB) *ResultCache {
	return &ResultCache{db: db}
}

func (c *ResultCache) Lookup(ctx context.Context, key string) (*task.Result, bool, error) {
	var r task.Result
	err := c.db.QueryRowContext(ctx,
		`SELECT voice_analysis, content_analysis FROM analysis_results WHERE cache_key = $1`, key,
	).Scan(&r.VoiceAnalysis, &r.ContentAnalysis)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up cached result: %w", err)
	}
	return &r, true, nil
}

func (c *ResultCache) Store(ctx context.Context, key string, r task.Result) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO analysis_results (cache_key, voice_analysis, content_analysis)
		VALUES ($1, $2, $3)
		ON CONFLICT (cache_key) DO UPDATE
		SET voice_analysis = EXCLUDED.voice_analysis, content_analysis = EXCLUDED.content_analysis`,
		key, r.VoiceAnalysis, r.ContentAnalysis,
	)
	if err != nil {
		return fmt.Errorf("failed to store cached result: %w", err)
	}
	return nil
}
