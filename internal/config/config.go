// Package config manages application configuration from default values,
// an optional config.yaml file, and BRIDGE_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config defines the application configuration for all components of the
// bridge: logging, the webhook HTTP server, push authentication, the chat
// backend client, the random-media source, menu texts, and the delivery
// journal.
type Config struct {
	Log         LogConfig         `mapstructure:"log"`
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	ChatAPI     ChatAPIConfig     `mapstructure:"chat_api"`
	Media       MediaConfig       `mapstructure:"media"`
	Menu        MenuConfig        `mapstructure:"menu"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// ServerConfig controls the webhook HTTP server.
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"      validate:"required"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"   validate:"min=1024"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=1s,max=1m"`
}

// AuthConfig controls verification of inbound push deliveries. An empty
// ExpectedServiceAccount disables verification entirely; the webhook handler
// makes that decision, not the verifier.
type AuthConfig struct {
	ExpectedServiceAccount string        `mapstructure:"expected_service_account"`
	TokeninfoURL           string        `mapstructure:"tokeninfo_url" validate:"required,url"`
	Timeout                time.Duration `mapstructure:"timeout"       validate:"min=1s,max=1m"`
}

// ChatAPIConfig controls the outbound chat backend client.
type ChatAPIConfig struct {
	BaseURL string        `mapstructure:"base_url" validate:"required,url"`
	Token   string        `mapstructure:"token"    validate:"required"`
	Timeout time.Duration `mapstructure:"timeout"  validate:"min=1s,max=1m"`
}

// MediaConfig controls the random-image source.
type MediaConfig struct {
	ImageURL string        `mapstructure:"image_url" validate:"required,url"`
	Timeout  time.Duration `mapstructure:"timeout"   validate:"min=1s,max=1m"`
}

// MenuConfig holds the conversational menu texts and delays.
type MenuConfig struct {
	Body          string        `mapstructure:"body"           validate:"required"`
	ReminderDelay time.Duration `mapstructure:"reminder_delay" validate:"min=0"`
	ResendDelay   time.Duration `mapstructure:"resend_delay"   validate:"min=0"`

	MsgNoSessionMessages string `mapstructure:"msg_no_session_messages" validate:"required"`
	MsgTranscriptHeader  string `mapstructure:"msg_transcript_header"   validate:"required"`
	MsgImageFallback     string `mapstructure:"msg_image_fallback"      validate:"required"`
	MsgBackToBot         string `mapstructure:"msg_back_to_bot"         validate:"required"`
	MsgResolved          string `mapstructure:"msg_resolved"            validate:"required"`
}

// DatabaseConfig controls the delivery journal database.
type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// MaintenanceConfig controls the scheduled journal maintenance task.
type MaintenanceConfig struct {
	Schedule  string        `mapstructure:"schedule"  validate:"required"`
	Retention time.Duration `mapstructure:"retention" validate:"min=1h"`
}

// Load reads configuration from:
// 1. Default values
// 2. The YAML file at path (a missing file is not an error)
// 3. BRIDGE_* environment variables
// and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// SetConfigFile bypasses viper's search-path machinery, so a missing
		// file surfaces as an *os.PathError rather than ConfigFileNotFoundError.
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", true)

	v.SetDefault("server.listen_addr", ":4000")
	v.SetDefault("server.max_body_bytes", int64(5*1024*1024))
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	// Keys without a meaningful default still get registered with an empty
	// one, so environment-variable values are picked up during Unmarshal.
	v.SetDefault("auth.expected_service_account", "")
	v.SetDefault("auth.tokeninfo_url", "https://oauth2.googleapis.com/tokeninfo")
	v.SetDefault("auth.timeout", 10*time.Second)

	v.SetDefault("chat_api.base_url", "")
	v.SetDefault("chat_api.token", "")
	v.SetDefault("chat_api.timeout", 15*time.Second)

	v.SetDefault("media.image_url", "https://picsum.photos/400")
	v.SetDefault("media.timeout", 10*time.Second)

	v.SetDefault("menu.body", "How can I help?\n"+
		"1. Show my previous messages\n"+
		"2. Send a random image\n"+
		"3. Talk to a human\n"+
		"4. Resolve this conversation")
	v.SetDefault("menu.reminder_delay", 3*time.Second)
	v.SetDefault("menu.resend_delay", 5*time.Second)
	v.SetDefault("menu.msg_no_session_messages", "I couldn't find any previous messages in this session.")
	v.SetDefault("menu.msg_transcript_header", "Here is what you sent me so far:\n")
	v.SetDefault("menu.msg_image_fallback", "Sorry, I couldn't fetch an image right now. Please try again later.")
	v.SetDefault("menu.msg_back_to_bot", "Okay, handing you back to the bot.")
	v.SetDefault("menu.msg_resolved", "This conversation has been resolved. Thanks for chatting!")

	v.SetDefault("database.path", "journal.db")

	v.SetDefault("maintenance.schedule", "0 0 4 * * *")
	v.SetDefault("maintenance.retention", 14*24*time.Hour)
}
