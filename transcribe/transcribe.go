package transcribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"audioinsight/openai"

	"github.com/sirupsen/logrus"
)

// ErrEmptyTranscript is returned when the backend recognised no speech.
var ErrEmptyTranscript = errors.New("transcription returned no text")

// Client sends normalized audio to an OpenAI-compatible /audio/transcriptions endpoint.
type Client struct {
	api      *openai.Client
	model    string
	language string
	log      logrus.FieldLogger
}

func New(api *openai.Client, model, language string, log logrus.FieldLogger) *Client {
	return &Client{
		api:      api,
		model:    model,
		language: language,
		log:      log.WithField("component", "transcribe"),
	}
}

// Transcribe returns the text spoken in the audio file at path.
func (c *Client) Transcribe(ctx context.Context, path string) (string, error) {
	audio, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read audio: %w", err)
	}

	body, contentType, err := c.encode(filepath.Base(path), audio)
	if err != nil {
		return "", err
	}

	var parsed struct {
		Text string `json:"text"`
	}
	err = c.api.Do(ctx, openai.Request{
		Method:      http.MethodPost,
		Path:        "/audio/transcriptions",
		ContentType: contentType,
		Body:        func() io.Reader { return bytes.NewReader(body) },
	}, &parsed)
	if err != nil {
		return "", fmt.Errorf("transcription request failed: %w", err)
	}

	text := strings.TrimSpace(parsed.Text)
	if text == "" {
		return "", ErrEmptyTranscript
	}
	c.log.WithFields(logrus.Fields{
		"file":  filepath.Base(path),
		"chars": len(text),
	}).Debug("transcription received")
	return text, nil
}

func (c *Client) encode(filename string, audio []byte) ([]byte, string, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(audio); err != nil {
		return nil, "", err
	}
	fields := map[string]string{
		"model":           c.model,
		"response_format": "json",
	}
	if c.language != "" {
		fields["language"] = c.language
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return b.Bytes(), w.FormDataContentType(), nil
}
