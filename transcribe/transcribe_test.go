package transcribe

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"audioinsight/logger"
	"audioinsight/openai"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAudio(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "call_normalized.mp3")
	require.NoError(t, os.WriteFile(path, []byte("ID3 fake mp3"), 0o644))
	return path
}

func newClient(url string) *Client {
	api := openai.NewClient(openai.Options{
		BaseURL:         url,
		APIKey:          "sk-test",
		Timeout:         5 * time.Second,
		RetryMaxElapsed: 10 * time.Second,
		Log:             logger.Discard(),
	})
	return New(api, "whisper-1", "uk", logger.Discard())
}

func TestTranscribe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/audio/transcriptions", r.URL.Path)
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		assert.Equal(t, "uk", r.FormValue("language"))
		assert.Equal(t, "json", r.FormValue("response_format"))

		f, header, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "call_normalized.mp3", header.Filename)
		assert.Equal(t, "ID3 fake mp3", string(data))

		io.WriteString(w, `{"text":"  Добрий день, чим можу допомогти?  "}`)
	}))
	defer server.Close()

	text, err := newClient(server.URL).Transcribe(context.Background(), writeAudio(t))
	require.NoError(t, err)
	assert.Equal(t, "Добрий день, чим можу допомогти?", text)
}

func TestTranscribeRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		// The multipart body must be complete on every attempt.
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		io.WriteString(w, `{"text":"hello"}`)
	}))
	defer server.Close()

	text, err := newClient(server.URL).Transcribe(context.Background(), writeAudio(t))
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTranscribeErrors(t *testing.T) {
	t.Run("empty transcript", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `{"text":"   "}`)
		}))
		defer server.Close()

		_, err := newClient(server.URL).Transcribe(context.Background(), writeAudio(t))
		assert.ErrorIs(t, err, ErrEmptyTranscript)
	})

	t.Run("rejected file", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"error":{"message":"Invalid file format.","type":"invalid_request_error"}}`)
		}))
		defer server.Close()

		_, err := newClient(server.URL).Transcribe(context.Background(), writeAudio(t))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Invalid file format.")
		assert.True(t, openai.IsStatus(err, http.StatusBadRequest))
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := newClient("http://127.0.0.1:0").Transcribe(context.Background(), "/nonexistent/audio.mp3")
		assert.ErrorContains(t, err, "read audio")
	})
}
