package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/eunmann/s3-log-forwarder/pkg/expand"
	"github.com/eunmann/s3-log-forwarder/pkg/lines"
)

// Defaults for Settings.
const (
	DefaultGracePeriod = 2 * time.Minute
	DefaultLogLevel    = "info"
)

// Settings are the runtime settings read from the environment.
type Settings struct {
	ConfigFile   string        `mapstructure:"s3_config_file"`
	ContinueURL  string        `mapstructure:"sqs_continue_url"`
	LogLevel     string        `mapstructure:"log_level"`
	LogHuman     bool          `mapstructure:"log_human"`
	ChunkSize    int           `mapstructure:"chunk_size"`
	MaxLineBytes int           `mapstructure:"max_line_bytes"`
	GracePeriod  time.Duration `mapstructure:"completion_grace_period"`

	// FieldResolver maps expand_event_list_from_field to the path expanded
	// for an input id. Nil keeps the field as configured.
	FieldResolver expand.Resolver `mapstructure:"-"`
}

// Debug reports whether debug logging is on.
func (s Settings) Debug() bool {
	return strings.EqualFold(s.LogLevel, "debug")
}

// LoadSettings reads Settings from the environment. Keys are the upper-case
// field tags, for example S3_CONFIG_FILE.
func LoadSettings() (Settings, error) {
	var s Settings

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("s3_config_file", "")
	v.SetDefault("sqs_continue_url", "")
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("log_human", false)
	v.SetDefault("chunk_size", lines.DefaultChunkSize)
	v.SetDefault("max_line_bytes", 0)
	v.SetDefault("completion_grace_period", DefaultGracePeriod)

	if err := v.Unmarshal(&s); err != nil {
		return s, fmt.Errorf("read settings: %w", err)
	}
	if s.ChunkSize <= 0 {
		return s, fmt.Errorf("invalid CHUNK_SIZE: %d", s.ChunkSize)
	}
	if s.MaxLineBytes < 0 {
		return s, fmt.Errorf("invalid MAX_LINE_BYTES: %d", s.MaxLineBytes)
	}
	if s.GracePeriod < 0 {
		return s, fmt.Errorf("invalid COMPLETION_GRACE_PERIOD: %s", s.GracePeriod)
	}
	switch strings.ToLower(s.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return s, fmt.Errorf("invalid LOG_LEVEL: %q", s.LogLevel)
	}
	return s, nil
}
