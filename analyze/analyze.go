package analyze

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Kind selects which aspect of a call is analyzed.
type Kind string

const (
	KindVoice   Kind = "voice"
	KindContent Kind = "content"
)

var (
	// ErrUnknownModel is returned when no backend serves the requested model.
	ErrUnknownModel = errors.New("unknown model")
	// ErrEmptyAnalysis is returned when a backend answers with no text.
	ErrEmptyAnalysis = errors.New("analysis returned no text")
)

// Backend produces a completion for a system and user prompt.
type Backend interface {
	Complete(ctx context.Context, model, system, prompt string) (string, error)
}

// Service renders prompts and routes them to the backend owning the model.
type Service struct {
	openai  Backend
	gemini  Backend
	prompts *Prompts
	log     logrus.FieldLogger
}

// NewService wires the analysis backends. gemini may be nil, in which case
// gemini models are unknown.
func NewService(openai, gemini Backend, prompts *Prompts, log logrus.FieldLogger) *Service {
	return &Service{
		openai:  openai,
		gemini:  gemini,
		prompts: prompts,
		log:     log.WithField("component", "analyze"),
	}
}

// Analyze returns the model's analysis of transcript for the given kind.
func (s *Service) Analyze(ctx context.Context, model string, kind Kind, transcript string) (string, error) {
	backend, err := s.backendFor(model)
	if err != nil {
		return "", err
	}

	system, prompt, err := s.prompts.Render(kind, transcript)
	if err != nil {
		return "", err
	}

	s.log.WithFields(logrus.Fields{"model": model, "kind": kind}).Debug("requesting analysis")
	text, err := backend.Complete(ctx, model, system, prompt)
	if err != nil {
		return "", fmt.Errorf("%s analysis failed: %w", kind, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%s analysis failed: %w", kind, ErrEmptyAnalysis)
	}
	return text, nil
}

func (s *Service) backendFor(model string) (Backend, error) {
	name := strings.ToLower(strings.TrimSpace(model))
	switch {
	case name == "":
		return nil, fmt.Errorf("%w: empty model name", ErrUnknownModel)
	case strings.HasPrefix(name, "gemini"):
		if s.gemini == nil {
			return nil, fmt.Errorf("%w: %s (no Gemini credential configured)", ErrUnknownModel, model)
		}
		return s.gemini, nil
	default:
		return s.openai, nil
	}
}
