package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

const (
	StrategyOAuth    = "oauth"
	StrategyPassword = "password"

	VaultKeyring = "keyring"
	VaultFile    = "file"

	MinCreativity      = 0.0
	MaxCreativity      = 2.0
	MinMaxOutputLength = 100
	MaxMaxOutputLength = 4000
)

var validBitrates = []string{"32k", "64k", "96k", "128k", "192k", "256k", "320k"}

// Config is the persisted configuration document. It is loaded once by the
// command entry point and passed down explicitly.
type Config struct {
	OutputDir       string `toml:"output_dir"`
	FeedTitle       string `toml:"feed_title"`
	FeedDescription string `toml:"feed_description"`
	FeedAuthor      string `toml:"feed_author"`
	// SiteURL overrides the base of feed and enclosure links. Empty means
	// the server's listen address.
	SiteURL         string `toml:"site_url,omitempty"`
	Voice           string `toml:"voice"`
	TTSModel        string `toml:"tts_model"`
	Bitrate         string `toml:"bitrate"`
	MaxMinutes      int    `toml:"max_minutes"`

	Server          Server          `toml:"server"`
	Mail            Mail            `toml:"mail"`
	TextPreparation TextPreparation `toml:"text-preparation"`
	OpenAI          OpenAI          `toml:"openai"`
	Store           Store           `toml:"store"`
	Queue           Queue           `toml:"queue"`
	Logging         Logging         `toml:"logging"`
}

// Server controls the local feed server.
type Server struct {
	Bind string `toml:"bind"`
	Port int    `toml:"port"`
}

// Mail configures newsletter fetching.
type Mail struct {
	Enabled          bool   `toml:"enabled"`
	Account          string `toml:"account"`
	Strategy         string `toml:"strategy"`
	Password         string `toml:"password"`
	Label            string `toml:"label"`
	MaxMessages      int    `toml:"max_messages"`
	IMAPAddr         string `toml:"imap_addr"`
	ClientDescriptor string `toml:"client_descriptor"`
	Vault            string `toml:"vault"`
}

// TextPreparation configures the optional language model rewrite.
type TextPreparation struct {
	Enabled         bool    `toml:"enabled"`
	Model           string  `toml:"model"`
	Creativity      float64 `toml:"creativity"`
	MaxOutputLength int     `toml:"max-output-length"`
}

// OpenAI holds the speech and chat API connection settings.
type OpenAI struct {
	APIKey         string `toml:"api_key,omitempty"`
	BaseURL        string `toml:"base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Store selects the episode database. An empty DSN means the SQLite file
// inside the output directory.
type Store struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

// Queue configures the optional background worker.
type Queue struct {
	RedisAddr     string `toml:"redis_addr"`
	FetchInterval string `toml:"fetch_interval"`
}

// Logging contains configuration for log output.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	// EnableFile also appends logs to File, or to nl2audio.log in the
	// output directory when File is empty.
	EnableFile bool   `toml:"enable_file"`
	File       string `toml:"file"`
}

// Default returns the built-in configuration.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		OutputDir:       filepath.Join(home, "NewsletterCast"),
		FeedTitle:       "My Newsletters",
		FeedDescription: "Newsletters and articles, read aloud.",
		FeedAuthor:      "nl2audio",
		Voice:           "alloy",
		TTSModel:        "gpt-4o-mini-tts",
		Bitrate:         "64k",
		MaxMinutes:      60,
		Server:          Server{Bind: "127.0.0.1", Port: 8080},
		Mail: Mail{
			Strategy:         StrategyPassword,
			Label:            "Newsletters",
			MaxMessages:      50,
			IMAPAddr:         "imap.gmail.com:993",
			ClientDescriptor: filepath.Join(home, ".nl2audio", "google_client.json"),
			Vault:            VaultKeyring,
		},
		TextPreparation: TextPreparation{
			Enabled:         false,
			Model:           "gpt-3.5-turbo",
			Creativity:      0.3,
			MaxOutputLength: 2000,
		},
		OpenAI:  OpenAI{BaseURL: "https://api.openai.com/v1", TimeoutSeconds: 60},
		Store:   Store{Driver: "sqlite"},
		Queue:   Queue{RedisAddr: "127.0.0.1:6379", FetchInterval: "@every 1h"},
		Logging: Logging{Level: "info", Format: "text"},
	}
}

// DefaultPath is the location of the configuration file.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".nl2audio", "config.toml")
}

// Load reads the configuration file at path (defaults when it does not
// exist), then applies .env and environment overrides. Precedence is
// environment > file > defaults.
func Load(path string) (*Config, error) {
	// A missing .env is normal.
	_ = godotenv.Load()

	cfg, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	cfg.applyEnvOverrides()
	cfg.normalize()
	return cfg, nil
}

// loadFile returns defaults overlaid with the file only.
func loadFile(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath()
	}
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return &cfg, nil
}

// Update applies fn to the file document and saves it. Environment and
// .env overrides are not applied, so they never end up in the file.
func Update(path string, fn func(*Config)) error {
	cfg, err := loadFile(path)
	if err != nil {
		return err
	}
	fn(cfg)
	return Save(path, cfg)
}

// Ensure writes the default configuration to path when no file exists yet.
func Ensure(path string) (created bool, err error) {
	if path == "" {
		path = DefaultPath()
	}
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("stat config: %w", err)
	}
	cfg := Default()
	return true, Save(path, &cfg)
}

// Save persists cfg. The stored password is cleared when the OAuth strategy
// is selected, and the API key is never written.
func Save(path string, cfg *Config) error {
	if path == "" {
		path = DefaultPath()
	}
	out := *cfg
	if out.Mail.Strategy == StrategyOAuth {
		out.Mail.Password = ""
	}
	out.OpenAI.APIKey = ""

	data, err := toml.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("ensure config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	setString := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setString(&c.OutputDir, "NL2AUDIO_OUTPUT_DIR")
	setString(&c.FeedTitle, "NL2AUDIO_FEED_TITLE")
	setString(&c.SiteURL, "NL2AUDIO_SITE_URL")
	setString(&c.Voice, "NL2AUDIO_VOICE")
	setString(&c.Bitrate, "NL2AUDIO_BITRATE")
	setInt(&c.MaxMinutes, "NL2AUDIO_MAX_MINUTES")
	setInt(&c.Server.Port, "NL2AUDIO_PORT")
	setString(&c.Logging.Level, "NL2AUDIO_LOG_LEVEL")
	setString(&c.Mail.Account, "GMAIL_USER")
	setString(&c.Mail.Password, "GMAIL_APP_PASSWORD")
	setString(&c.Mail.Label, "GMAIL_LABEL")
	setString(&c.OpenAI.APIKey, "OPENAI_API_KEY")
	setString(&c.Store.DSN, "NL2AUDIO_STORE_DSN")
	setString(&c.Queue.RedisAddr, "REDIS_ADDR")
}

func (c *Config) normalize() {
	c.OutputDir = expandHome(c.OutputDir)
	c.Mail.ClientDescriptor = expandHome(c.Mail.ClientDescriptor)
	c.Mail.Strategy = strings.ToLower(strings.TrimSpace(c.Mail.Strategy))
	c.SiteURL = strings.TrimRight(strings.TrimSpace(c.SiteURL), "/")
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.OutputDir) == "" {
		errs = append(errs, errors.New("output_dir must be set"))
	}
	if strings.TrimSpace(c.Voice) == "" {
		errs = append(errs, errors.New("voice must not be empty"))
	}
	if c.MaxMinutes <= 0 {
		errs = append(errs, fmt.Errorf("max_minutes must be positive, got %d", c.MaxMinutes))
	}
	if !contains(validBitrates, c.Bitrate) {
		errs = append(errs, fmt.Errorf("invalid bitrate %q, valid options: %s", c.Bitrate, strings.Join(validBitrates, ", ")))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server port %d out of range", c.Server.Port))
	}
	if c.Mail.Strategy != StrategyOAuth && c.Mail.Strategy != StrategyPassword {
		errs = append(errs, fmt.Errorf("mail strategy must be %q or %q, got %q", StrategyOAuth, StrategyPassword, c.Mail.Strategy))
	}
	if c.Mail.Enabled && strings.TrimSpace(c.Mail.Label) == "" {
		errs = append(errs, errors.New("mail label must be set when mail is enabled"))
	}
	if err := ValidateTextPreparation(c.TextPreparation); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ValidateTextPreparation checks the text-preparation ranges.
func ValidateTextPreparation(tp TextPreparation) error {
	var errs []error
	if strings.TrimSpace(tp.Model) == "" {
		errs = append(errs, errors.New("text-preparation model must not be empty"))
	}
	if tp.Creativity < MinCreativity || tp.Creativity > MaxCreativity {
		errs = append(errs, fmt.Errorf("text-preparation creativity must be between %.1f and %.1f, got %.2f", MinCreativity, MaxCreativity, tp.Creativity))
	}
	if tp.MaxOutputLength < MinMaxOutputLength || tp.MaxOutputLength > MaxMaxOutputLength {
		errs = append(errs, fmt.Errorf("text-preparation max-output-length must be between %d and %d, got %d", MinMaxOutputLength, MaxMaxOutputLength, tp.MaxOutputLength))
	}
	return errors.Join(errs...)
}

// EpisodesDir holds the audio artifacts served under /episodes/.
func (c *Config) EpisodesDir() string { return filepath.Join(c.OutputDir, "episodes") }

// DBPath is the SQLite episode store.
func (c *Config) DBPath() string { return filepath.Join(c.OutputDir, "db.sqlite") }

// FeedPath is where gen-feed writes the feed document.
func (c *Config) FeedPath() string { return filepath.Join(c.OutputDir, "feed.xml") }

// LockPath serializes store writers across processes.
func (c *Config) LockPath() string { return filepath.Join(c.OutputDir, ".store.lock") }

// TokenFile is the file vault used when the OS keyring is unavailable.
func (c *Config) TokenFile() string {
	return filepath.Join(filepath.Dir(c.Mail.ClientDescriptor), "tokens.json")
}

// LogFile is the log file path, or "" when file logging is off.
func (c *Config) LogFile() string {
	if !c.Logging.EnableFile {
		return ""
	}
	if c.Logging.File != "" {
		return expandHome(c.Logging.File)
	}
	return filepath.Join(c.OutputDir, "nl2audio.log")
}

// ListenAddr is the bind address of the local server.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Server.Bind, strconv.Itoa(c.Server.Port))
}

// BaseURL is where feed clients reach the local server: site_url when set,
// otherwise the listen address. A wildcard bind is reached over loopback.
func (c *Config) BaseURL() string {
	if c.SiteURL != "" {
		return c.SiteURL
	}
	host := c.Server.Bind
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(c.Server.Port))
}

// FetchIntervalDuration is the period of an "@every <duration>" fetch
// schedule, or one hour for cron expressions.
func (c *Config) FetchIntervalDuration() time.Duration {
	if rest, ok := strings.CutPrefix(strings.TrimSpace(c.Queue.FetchInterval), "@every "); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(rest)); err == nil && d > 0 {
			return d
		}
	}
	return time.Hour
}

// EnsureDirectories creates the output layout.
func (c *Config) EnsureDirectories() error {
	if err := os.MkdirAll(c.EpisodesDir(), 0o755); err != nil {
		return fmt.Errorf("create episodes directory: %w", err)
	}
	return nil
}

func expandHome(p string) string {
	p = strings.TrimSpace(p)
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
