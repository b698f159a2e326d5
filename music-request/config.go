package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "MUSICREQ"

// Config is the resolved runtime configuration. Precedence is flag, then
// MUSICREQ_* environment variable, then config file, then default.
type Config struct {
	ServerURLs    []string `mapstructure:"server-url"`
	Port          int      `mapstructure:"port"`
	Name          string   `mapstructure:"name"`
	CredKey       string   `mapstructure:"cred-key"`
	AdminPassword string   `mapstructure:"admin-password"`
	UserPassword  string   `mapstructure:"user-password"`

	YoutubeAPIKey  string `mapstructure:"youtube-api-key"`
	YoutubeBaseURL string `mapstructure:"youtube-base-url"`
	SearchFallback bool   `mapstructure:"search-fallback"`
	CachePath      string `mapstructure:"cache-path"`
	CacheSize      int    `mapstructure:"cache-size"`

	BackupPath  string `mapstructure:"backup-path"`
	ArchiveRoot string `mapstructure:"archive-root"`

	HistoryLimit    int           `mapstructure:"history-limit"`
	ChatLimit       int           `mapstructure:"chat-limit"`
	InitialChat     int           `mapstructure:"initial-chat"`
	MetadataTimeout time.Duration `mapstructure:"metadata-timeout"`
	RestartDelay    time.Duration `mapstructure:"restart-delay"`
	DrainTimeout    time.Duration `mapstructure:"drain-timeout"`
	EventsPerSecond float64       `mapstructure:"events-per-second"`

	Title       string `mapstructure:"title"`
	HeaderColor string `mapstructure:"header-color"`

	LogLevel  string `mapstructure:"log-level"`
	PrettyLog bool   `mapstructure:"pretty-log"`

	S3 S3Config `mapstructure:"s3"`
}

// s3 flags are spelled with a dash on the command line and nest under "s3."
// everywhere else.
var s3Keys = []string{"bucket", "region", "endpoint", "access-key", "secret-key", "prefix"}

func registerFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "optional YAML config file")
	flags.StringSlice("server-url", relayDefaults(), "relay websocket URL(s); repeat or comma-separated (from env RELAY if set)")
	flags.Int("port", 5000, "local HTTP port (negative to disable)")
	flags.String("name", "music-request", "backend display name")
	flags.String("cred-key", "", "optional credential key to use for the listener (base64 encoded)")
	flags.String("admin-password", "", "admin password, plain or bcrypt hash (empty: everyone is admin)")
	flags.String("user-password", "", "user password, plain or bcrypt hash (empty: no password needed)")

	flags.String("youtube-api-key", "", "initial YouTube Data API key")
	flags.String("youtube-base-url", "", "YouTube Data API base URL (default: public endpoint)")
	flags.Bool("search-fallback", false, "search by name when a request has no video id")
	flags.String("cache-path", "", "optional directory to persist resolved metadata via PebbleDB")
	flags.Int("cache-size", 1024, "in-memory metadata cache entries")

	flags.String("backup-path", defaultBackupPath, "initial backup directory")
	flags.String("archive-root", ".", "directory archived on backup (empty to skip the archive)")

	flags.Int("history-limit", defaultSongHistoryLimit, "song history entries kept (0 for unbounded)")
	flags.Int("chat-limit", defaultChatHistoryLimit, "chat messages kept (0 for unbounded)")
	flags.Int("initial-chat", initialChatBacklog, "chat messages sent to a joining session")
	flags.Duration("metadata-timeout", 10*time.Second, "timeout for one metadata lookup")
	flags.Duration("restart-delay", 2*time.Second, "delay between a restart request and shutdown")
	flags.Duration("drain-timeout", 10*time.Second, "how long shutdown waits for in-flight work")
	flags.Float64("events-per-second", 20, "inbound events allowed per connection per second (0 for unlimited)")

	flags.String("title", defaultTitle, "initial page title")
	flags.String("header-color", defaultHeaderColor, "initial header color")

	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("pretty-log", false, "human readable console logs")

	for _, k := range s3Keys {
		flags.String("s3-"+k, "", "offsite backup "+k)
	}
}

func relayDefaults() []string {
	var out []string
	for _, u := range strings.Split(os.Getenv("RELAY"), ",") {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}

// loadConfig resolves the configuration from parsed flags, the environment
// and the optional config file.
func loadConfig(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		key := f.Name
		if name, ok := strings.CutPrefix(key, "s3-"); ok {
			key = "s3." + name
		}
		bindErr = errors.Join(bindErr, v.BindPFlag(key, f))
	})
	if bindErr != nil {
		return nil, fmt.Errorf("bind flags: %w", bindErr)
	}

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.HistoryLimit < 0 || c.ChatLimit < 0 {
		errs = append(errs, errors.New("history-limit and chat-limit must not be negative"))
	}
	if c.InitialChat <= 0 {
		errs = append(errs, errors.New("initial-chat must be positive"))
	}
	if c.MetadataTimeout <= 0 {
		errs = append(errs, errors.New("metadata-timeout must be positive"))
	}
	if c.RestartDelay < 0 || c.DrainTimeout < 0 {
		errs = append(errs, errors.New("restart-delay and drain-timeout must not be negative"))
	}
	if c.EventsPerSecond < 0 {
		errs = append(errs, errors.New("events-per-second must not be negative"))
	}
	if !validColor(c.HeaderColor) {
		errs = append(errs, fmt.Errorf("invalid header-color %q", c.HeaderColor))
	}
	if c.S3.Bucket != "" && c.S3.Region == "" && c.S3.Endpoint == "" {
		errs = append(errs, errors.New("s3-bucket needs s3-region or s3-endpoint"))
	}
	return errors.Join(errs...)
}

// credentials returns the shared passwords.
func (c *Config) credentials() Credentials {
	return Credentials{Admin: c.AdminPassword, User: c.UserPassword}
}
