package analyze

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"audioinsight/openai"
)

// ChatBackend talks to an OpenAI-compatible chat completions endpoint.
type ChatBackend struct {
	api *openai.Client
}

func NewChatBackend(api *openai.Client) *ChatBackend {
	return &ChatBackend{api: api}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (b *ChatBackend) Complete(ctx context.Context, model, system, prompt string) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return "", err
	}

	var parsed chatResponse
	err = b.api.Do(ctx, openai.Request{
		Method:      http.MethodPost,
		Path:        "/chat/completions",
		ContentType: "application/json",
		Body:        func() io.Reader { return bytes.NewReader(payload) },
	}, &parsed)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusNotFound || apiErr.Code == "model_not_found") {
			return "", fmt.Errorf("%w: %s: %v", ErrUnknownModel, model, err)
		}
		return "", err
	}
	if len(parsed.Choices) == 0 {
		return "", ErrEmptyAnalysis
	}
	return parsed.Choices[0].Message.Content, nil
}

// Verify checks the credential by listing the models it can reach.
func (b *ChatBackend) Verify(ctx context.Context) error {
	if _, err := b.api.ListModels(ctx); err != nil {
		return fmt.Errorf("credential check failed: %w", err)
	}
	return nil
}
