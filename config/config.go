// audioinsight/config/config.go
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// ErrMissingCredential is returned by Validate when no transcription/analysis
// credential is configured. The service cannot start without it.
var ErrMissingCredential = errors.New("missing API credential: set OPENAI_API_KEY")

type Config struct {
	Port        string `mapstructure:"PORT" validate:"required"`
	StaticDir   string `mapstructure:"STATIC_DIR"`
	LogLevel    string `mapstructure:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	Environment string `mapstructure:"ENVIRONMENT"`

	// Content converter
	FFBin            string  `mapstructure:"FF_BIN" validate:"required"`
	FFArgs           string  `mapstructure:"FF_ARGS"`
	FFOutputExt      string  `mapstructure:"FF_OUTPUT_EXT" validate:"required,alphanum"`
	ThrottleCPU      float64 `mapstructure:"THROTTLE_CPU" validate:"gte=0,lte=100"`
	ThrottleFreeMem  int64   `mapstructure:"THROTTLE_FREEMEM" validate:"gte=0"`
	ThrottleFreeDisk int64   `mapstructure:"THROTTLE_FREEDISK" validate:"gte=0"`
	UploadDir        string  `mapstructure:"UPLOAD_DIR"`

	// Task scheduling
	MaxInputSize   int64         `mapstructure:"MAX_INPUT_SIZE" validate:"gt=0"`
	MaxConcurrency int           `mapstructure:"MAX_CONCURRENCY" validate:"gte=1"`
	QueueSize      int           `mapstructure:"QUEUE_SIZE" validate:"gte=1"`
	TaskTimeout    time.Duration `mapstructure:"TASK_TIMEOUT" validate:"gt=0"`
	TaskRetention  time.Duration `mapstructure:"TASK_RETENTION" validate:"gte=0"`

	// Progress weighting per stage; only the ratio matters.
	ConvertWeight    int `mapstructure:"PROGRESS_CONVERT_WEIGHT" validate:"gte=0"`
	TranscribeWeight int `mapstructure:"PROGRESS_TRANSCRIBE_WEIGHT" validate:"gte=0"`
	AnalyzeWeight    int `mapstructure:"PROGRESS_ANALYZE_WEIGHT" validate:"gte=0"`

	// Polling contract handed to clients
	PollInterval    time.Duration `mapstructure:"POLL_INTERVAL" validate:"gt=0"`
	PollMaxAttempts int           `mapstructure:"POLL_MAX_ATTEMPTS" validate:"gte=1"`

	// External backends
	OpenAIAPIKey       string        `mapstructure:"OPENAI_API_KEY"`
	OpenAIBaseURL      string        `mapstructure:"OPENAI_BASE_URL" validate:"required,url"`
	GeminiAPIKey       string        `mapstructure:"GEMINI_API_KEY"`
	DefaultModel       string        `mapstructure:"DEFAULT_MODEL" validate:"required"`
	TranscribeModel    string        `mapstructure:"TRANSCRIBE_MODEL" validate:"required"`
	TranscribeLanguage string        `mapstructure:"TRANSCRIBE_LANGUAGE"`
	AnalysisLanguage   string        `mapstructure:"ANALYSIS_LANGUAGE" validate:"required"`
	RequestTimeout     time.Duration `mapstructure:"REQUEST_TIMEOUT" validate:"gt=0"`
	RetryMaxElapsed    time.Duration `mapstructure:"RETRY_MAX_ELAPSED" validate:"gte=0"`
	VerifyCredentials  bool          `mapstructure:"VERIFY_CREDENTIALS"`

	// Optional durable storage for the task registry and result cache
	DatabaseURL string `mapstructure:"DATABASE_URL"`
}

// stringToDurationHookFunc is a custom Viper hook for parsing Go's duration strings.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc is a custom Viper hook for parsing human-readable size strings.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		err := size.UnmarshalText([]byte(data.(string)))
		if err != nil {
			// Not a valid size string, let other parsers handle it.
			return data, nil
		}

		return int64(size.Bytes()), nil
	}
}

func Load() (*Config, error) {
	vp := viper.New()

	vp.SetDefault("PORT", "8080")
	vp.SetDefault("STATIC_DIR", "public")
	vp.SetDefault("LOG_LEVEL", "info")
	vp.SetDefault("ENVIRONMENT", "local")

	vp.SetDefault("FF_BIN", "ffmpeg")
	vp.SetDefault("FF_ARGS", "-vn -ac 1 -ar 16000 -b:a 64k -map_metadata -1 -fflags +bitexact -flags:a +bitexact")
	vp.SetDefault("FF_OUTPUT_EXT", "mp3")
	vp.SetDefault("THROTTLE_CPU", 0.0)
	vp.SetDefault("THROTTLE_FREEMEM", "200MB")
	vp.SetDefault("THROTTLE_FREEDISK", "200MB")
	vp.SetDefault("UPLOAD_DIR", "")

	vp.SetDefault("MAX_INPUT_SIZE", "200MB")
	vp.SetDefault("MAX_CONCURRENCY", 4)
	vp.SetDefault("QUEUE_SIZE", 100)
	vp.SetDefault("TASK_TIMEOUT", "12m3s")
	vp.SetDefault("TASK_RETENTION", "24h")

	vp.SetDefault("PROGRESS_CONVERT_WEIGHT", 25)
	vp.SetDefault("PROGRESS_TRANSCRIBE_WEIGHT", 35)
	vp.SetDefault("PROGRESS_ANALYZE_WEIGHT", 40)

	vp.SetDefault("POLL_INTERVAL", "5s")
	vp.SetDefault("POLL_MAX_ATTEMPTS", 60)

	vp.SetDefault("OPENAI_API_KEY", "")
	vp.SetDefault("OPENAI_BASE_URL", "https://api.openai.com/v1")
	vp.SetDefault("GEMINI_API_KEY", "")
	vp.SetDefault("DEFAULT_MODEL", "chatgpt-4o-latest")
	vp.SetDefault("TRANSCRIBE_MODEL", "whisper-1")
	vp.SetDefault("TRANSCRIBE_LANGUAGE", "uk")
	vp.SetDefault("ANALYSIS_LANGUAGE", "Ukrainian")
	vp.SetDefault("REQUEST_TIMEOUT", "2m")
	vp.SetDefault("RETRY_MAX_ELAPSED", "30s")
	vp.SetDefault("VERIFY_CREDENTIALS", false)

	vp.SetDefault("DATABASE_URL", "")

	// Load from config file
	vp.SetConfigName("audioinsight_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/audioinsight/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	// Load from environment variables
	vp.SetEnvPrefix("AUDIOINSIGHT")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	// Credentials are commonly exported without the service prefix.
	for _, key := range []string{"OPENAI_API_KEY", "GEMINI_API_KEY", "DATABASE_URL"} {
		if err := vp.BindEnv(key, "AUDIOINSIGHT_"+key, key); err != nil {
			return nil, err
		}
	}

	var cfg Config
	// The order matters: the first hook that succeeds is used.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the loaded configuration. A missing credential is reported
// as ErrMissingCredential so callers can treat it as fatal.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.OpenAIAPIKey) == "" {
		return ErrMissingCredential
	}
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.ConvertWeight+c.TranscribeWeight+c.AnalyzeWeight == 0 {
		return errors.New("invalid configuration: progress weights must not all be zero")
	}
	return nil
}
