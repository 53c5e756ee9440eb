// Package pipeline runs one uploaded recording through conversion,
// transcription and analysis, reporting progress as it goes.
package pipeline

import (
	"context"
	"fmt"
	"os"

	"audioinsight/analyze"
	"audioinsight/cache"
	"audioinsight/task"

	"github.com/sirupsen/logrus"
)

type Converter interface {
	Convert(ctx context.Context, inputPath string, onProgress func(float64)) (string, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, path string) (string, error)
}

type Analyzer interface {
	Analyze(ctx context.Context, model string, kind analyze.Kind, transcript string) (string, error)
}

// StageError ties a failure to the stage that produced it.
type StageError struct {
	Stage task.Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// analyses run in this order; progress moves after each one.
var analyses = []analyze.Kind{analyze.KindVoice, analyze.KindContent}

// Pipeline implements task.Runner.
type Pipeline struct {
	converter   Converter
	transcriber Transcriber
	analyzer    Analyzer
	cache       cache.Cache
	plan        task.ProgressPlan
	log         logrus.FieldLogger
}

func New(converter Converter, transcriber Transcriber, analyzer Analyzer, c cache.Cache, plan task.ProgressPlan, log logrus.FieldLogger) *Pipeline {
	if c == nil {
		c = cache.Nop{}
	}
	return &Pipeline{
		converter:   converter,
		transcriber: transcriber,
		analyzer:    analyzer,
		cache:       c,
		plan:        plan,
		log:         log.WithField("component", "pipeline"),
	}
}

func (p *Pipeline) Run(ctx context.Context, job task.Job, report task.Reporter) (task.Result, error) {
	log := p.log.WithFields(logrus.Fields{"task_id": job.TaskID, "model": job.Model})

	report(task.StageConverting, 0)
	last := 0
	normalized, err := p.converter.Convert(ctx, job.InputPath, func(fraction float64) {
		if v := p.plan.Converting(fraction); v > last {
			last = v
			report(task.StageConverting, v)
		}
	})
	if err != nil {
		return task.Result{}, &StageError{Stage: task.StageConverting, Err: err}
	}
	defer func() {
		if err := os.Remove(normalized); err != nil && !os.IsNotExist(err) {
			log.WithError(err).Warn("could not remove converted file")
		}
	}()
	report(task.StageConverting, p.plan.Converted())

	key := p.cacheKey(log, normalized, job.Model)
	if key != "" {
		if res, ok, err := p.cache.Lookup(ctx, key); err != nil {
			log.WithError(err).Warn("cache lookup failed, treating as miss")
		} else if ok {
			log.Info("cache hit, skipping transcription and analysis")
			return *res, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return task.Result{}, &StageError{Stage: task.StageTranscribing, Err: err}
	}
	report(task.StageTranscribing, p.plan.Converted())
	transcript, err := p.transcriber.Transcribe(ctx, normalized)
	if err != nil {
		return task.Result{}, &StageError{Stage: task.StageTranscribing, Err: err}
	}
	report(task.StageTranscribing, p.plan.Transcribed())

	report(task.StageAnalyzing, p.plan.Transcribed())
	outputs := make(map[analyze.Kind]string, len(analyses))
	for i, kind := range analyses {
		if err := ctx.Err(); err != nil {
			return task.Result{}, &StageError{Stage: task.StageAnalyzing, Err: err}
		}
		text, err := p.analyzer.Analyze(ctx, job.Model, kind, transcript)
		if err != nil {
			return task.Result{}, &StageError{Stage: task.StageAnalyzing, Err: err}
		}
		outputs[kind] = text
		report(task.StageAnalyzing, p.plan.Analyzed(i+1, len(analyses)))
	}

	result := task.Result{
		VoiceAnalysis:   outputs[analyze.KindVoice],
		ContentAnalysis: outputs[analyze.KindContent],
	}

	if key != "" {
		report(task.StageCaching, 100)
		if err := p.cache.Store(context.WithoutCancel(ctx), key, result); err != nil {
			log.WithError(err).Warn("could not store result in cache")
		}
	}
	return result, nil
}

// cacheKey fingerprints the normalized audio. An empty key disables caching
// for this run.
func (p *Pipeline) cacheKey(log logrus.FieldLogger, path, model string) string {
	fp, err := cache.FingerprintFile(path)
	if err != nil {
		log.WithError(err).Warn("could not fingerprint converted audio")
		return ""
	}
	return cache.Key(fp, model)
}
