package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"go.yaml.in/yaml/v4"
)

// Account protocols.
const (
	ProtocolIMAP = "imap"
	ProtocolPOP3 = "pop3"
)

// Account watch modes.
const (
	ModeIdle = "idle"
	ModePoll = "poll"
)

// Store drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
	DriverRedis  = "redis"
)

// Sink kinds.
const (
	SinkLog  = "log"
	SinkNSQ  = "nsq"
	SinkSMTP = "smtp"
)

// DefaultFilterPatterns match senders, subjects and headers of mail that is
// never relayed: bulk mail, no-reply senders and auto-replies.
var DefaultFilterPatterns = []string{
	`unsubscribe`,
	`no-?reply`,
	`do-?not-?reply`,
	`postmaster`,
	`mailer-?daemon`,
	`auto-?reply`,
	`automatic\s*reply`,
	`out\s*of\s*(the\s*)?office`,
	`vacation\s*reply`,
	`away\s*from\s*(the\s*)?office`,
}

// Duration is a time.Duration that unmarshals from strings like "90s".
type Duration time.Duration

// UnmarshalYAML accepts either a duration string or an integer number of seconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if parsed, err := time.ParseDuration(s); err == nil {
		*d = Duration(parsed)
		return nil
	}
	var secs int
	if err := node.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the top-level application configuration.
type Config struct {
	LogLevel      string     `yaml:"log_level"`
	DataDir       string     `yaml:"data_dir"`
	Store         Store      `yaml:"store"`
	RetentionDays int        `yaml:"retention_days"`
	SweepInterval Duration   `yaml:"sweep_interval"`
	Backoff       Backoff    `yaml:"backoff"`
	Preview       Preview    `yaml:"preview"`
	Filter        Filter     `yaml:"filter"`
	Redelivery    Redelivery `yaml:"redelivery"`
	Sink          Sink       `yaml:"sink"`
	HTTP          HTTP       `yaml:"http"`
	Accounts      []Account  `yaml:"accounts"`
}

// Store selects and addresses the message store backend.
type Store struct {
	Driver        string `yaml:"driver"`
	DSN           string `yaml:"dsn"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// Backoff bounds the retry delays used by sessions and the coordinator.
type Backoff struct {
	Min Duration `yaml:"min"`
	Max Duration `yaml:"max"`
}

// Preview controls notification body previews.
type Preview struct {
	MaxLength int `yaml:"max_length"`
}

// Filter lists case-insensitive regular expressions for discarded mail.
type Filter struct {
	Patterns []string `yaml:"patterns"`
}

// Redelivery controls the retry queue for notifications the sink never accepted.
type Redelivery struct {
	Enabled     bool     `yaml:"enabled"`
	Interval    Duration `yaml:"interval"`
	MaxAttempts int      `yaml:"max_attempts"`
	Grace       Duration `yaml:"grace"`
	MaxAge      Duration `yaml:"max_age"`
}

// Sink configures the outbound notification transport.
type Sink struct {
	Kind           string   `yaml:"kind"`
	NSQDAddr       string   `yaml:"nsqd_addr"`
	NotifyTopic    string   `yaml:"notify_topic"`
	RetractTopic   string   `yaml:"retract_topic"`
	HandledTopic   string   `yaml:"handled_topic"`
	HandledChannel string   `yaml:"handled_channel"`
	RatePerSecond  float64  `yaml:"rate_per_second"`
	Burst          int      `yaml:"burst"`
	Timeout        Duration `yaml:"timeout"`
	SMTP           SMTP     `yaml:"smtp"`
}

// SMTP configures the mail relay used by the smtp sink.
type SMTP struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	UseTLS   bool     `yaml:"use_tls"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// HTTP configures the status and handled-signal listener.
type HTTP struct {
	Addr string `yaml:"addr"`
}

// Account describes one monitored mailbox.
type Account struct {
	Label        string   `yaml:"label"`
	Protocol     string   `yaml:"protocol"`
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	Username     string   `yaml:"username"`
	Password     string   `yaml:"password"`
	PasswordRef  string   `yaml:"password_ref"`
	UseTLS       bool     `yaml:"use_tls"`
	Mode         string   `yaml:"mode"`
	PollInterval Duration `yaml:"poll_interval"`
	IdleTimeout  Duration `yaml:"idle_timeout"`
	Folder       string   `yaml:"folder"`
	CatchupDays  int      `yaml:"catchup_days"`
}

// ID is the account identity used in store keys.
func (a *Account) ID() string {
	return a.Label
}

// Idle reports whether the account should use the event-driven wait.
func (a *Account) Idle() bool {
	return a.Protocol == ProtocolIMAP && a.Mode == ModeIdle
}

// GetPollInterval returns the poll interval, defaulting to 60 seconds.
func (a *Account) GetPollInterval() time.Duration {
	if a.PollInterval <= 0 {
		return 60 * time.Second
	}
	return a.PollInterval.Std()
}

// GetIdleTimeout returns how long one IDLE command may last before it is
// refreshed, defaulting to 25 minutes.
func (a *Account) GetIdleTimeout() time.Duration {
	if a.IdleTimeout <= 0 {
		return 25 * time.Minute
	}
	return a.IdleTimeout.Std()
}

// GetFolder returns the IMAP folder name, defaulting to "INBOX".
func (a *Account) GetFolder() string {
	if a.Folder == "" {
		return "INBOX"
	}
	return a.Folder
}

// GetCatchupDays returns how many days the first fetch looks back, defaulting to 1.
func (a *Account) GetCatchupDays() int {
	if a.CatchupDays <= 0 {
		return 1
	}
	return a.CatchupDays
}

// RetentionWindow returns how long handled records are kept.
func (c *Config) RetentionWindow() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyAccountDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Default returns a configuration with every global default filled in.
func Default() *Config {
	return &Config{
		LogLevel:      "info",
		DataDir:       "data",
		Store:         Store{Driver: DriverSQLite},
		RetentionDays: 30,
		SweepInterval: Duration(24 * time.Hour),
		Backoff: Backoff{
			Min: Duration(2 * time.Second),
			Max: Duration(5 * time.Minute),
		},
		Preview: Preview{MaxLength: 600},
		Filter:  Filter{Patterns: DefaultFilterPatterns},
		Redelivery: Redelivery{
			Enabled:     true,
			Interval:    Duration(time.Minute),
			MaxAttempts: 5,
			Grace:       Duration(2 * time.Minute),
			MaxAge:      Duration(24 * time.Hour),
		},
		Sink: Sink{
			Kind:           SinkLog,
			NotifyTopic:    "mail.notify",
			RetractTopic:   "mail.retract",
			HandledTopic:   "mail.handled",
			HandledChannel: "mailnotify",
			RatePerSecond:  1,
			Burst:          20,
			Timeout:        Duration(10 * time.Second),
		},
		HTTP: HTTP{Addr: ":8080"},
	}
}

func (c *Config) applyAccountDefaults() {
	for i := range c.Accounts {
		a := &c.Accounts[i]
		a.Label = strings.TrimSpace(a.Label)
		if a.Protocol == "" {
			a.Protocol = ProtocolIMAP
		}
		if a.Mode == "" {
			a.Mode = ModeIdle
		}
		if a.Protocol == ProtocolPOP3 {
			a.Mode = ModePoll
		}
	}
	if c.Store.DSN == "" && c.Store.Driver == DriverSQLite {
		c.Store.DSN = c.DataDir + "/mailnotify.db"
	}
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case DriverSQLite, DriverMySQL, DriverRedis:
	default:
		return fmt.Errorf("store.driver must be sqlite, mysql or redis")
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required")
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("retention_days must be positive")
	}
	if c.Backoff.Max < c.Backoff.Min {
		return fmt.Errorf("backoff.max must not be less than backoff.min")
	}
	for _, p := range c.Filter.Patterns {
		if _, err := regexp.Compile("(?i)" + p); err != nil {
			return fmt.Errorf("filter pattern %q: %w", p, err)
		}
	}
	switch c.Sink.Kind {
	case SinkLog:
	case SinkNSQ:
		if c.Sink.NSQDAddr == "" {
			return fmt.Errorf("sink.nsqd_addr is required for nsq sink")
		}
	case SinkSMTP:
		if c.Sink.SMTP.Host == "" || c.Sink.SMTP.Port == 0 {
			return fmt.Errorf("sink.smtp.host and sink.smtp.port are required for smtp sink")
		}
		if c.Sink.SMTP.From == "" || len(c.Sink.SMTP.To) == 0 {
			return fmt.Errorf("sink.smtp.from and sink.smtp.to are required for smtp sink")
		}
	default:
		return fmt.Errorf("sink.kind must be log, nsq or smtp")
	}
	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account is required")
	}
	seen := make(map[string]struct{}, len(c.Accounts))
	for i, a := range c.Accounts {
		label := a.Label
		if label == "" {
			return fmt.Errorf("account #%d: label is required", i)
		}
		if _, dup := seen[label]; dup {
			return fmt.Errorf("account %s: duplicate label", label)
		}
		seen[label] = struct{}{}
		if a.Protocol != ProtocolPOP3 && a.Protocol != ProtocolIMAP {
			return fmt.Errorf("account %s: protocol must be pop3 or imap", label)
		}
		if a.Mode != ModeIdle && a.Mode != ModePoll {
			return fmt.Errorf("account %s: mode must be idle or poll", label)
		}
		if a.Host == "" {
			return fmt.Errorf("account %s: host is required", label)
		}
		if a.Port == 0 {
			return fmt.Errorf("account %s: port is required", label)
		}
		if a.Username == "" {
			return fmt.Errorf("account %s: username is required", label)
		}
		if a.Password == "" && a.PasswordRef == "" {
			return fmt.Errorf("account %s: password or password_ref is required", label)
		}
	}
	return nil
}
