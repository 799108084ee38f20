package config

import (
	"fmt"
	"net/mail"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/foxzi/newsmail/internal/source"
)

// Config is the main configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Transport TransportConfig `yaml:"transport"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	Bounce    BounceConfig    `yaml:"bounce"`
	Redis     RedisConfig     `yaml:"redis"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Sources   []SourceConfig  `yaml:"sources"` // Extra recipient sources
}

// ServerConfig contains installation-wide settings
type ServerConfig struct {
	Hostname string `yaml:"hostname"` // Used for HELO and Message-ID
	SiteURL  string `yaml:"site_url"` // Base URL jump links point at
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Database string `yaml:"database"` // SQLite database with mailings, groups, recipients and log
	State    string `yaml:"state"`    // bbolt file with dispatch progress and locks
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// DispatchConfig contains batch processing settings
type DispatchConfig struct {
	MaxPerCycle int           `yaml:"max_per_cycle"` // Messages per batch (default: 50)
	Interval    time.Duration `yaml:"interval"`      // Batch interval for 'serve' (default: 1m)
	LockBackend string        `yaml:"lock_backend"`  // bolt, redis
	LockTTL     time.Duration `yaml:"lock_ttl"`      // Lock expiry for crashed processes (default: 10m)
	Limits      LimitsConfig  `yaml:"limits"`
}

// LimitsConfig caps outgoing volume across all batches. Nil levels are unlimited.
type LimitsConfig struct {
	Global          *LimitValues            `yaml:"global,omitempty"`
	Mailing         *LimitValues            `yaml:"mailing,omitempty"`          // Per mailing
	RecipientDomain *LimitValues            `yaml:"recipient_domain,omitempty"` // Per recipient domain, e.g. gmail.com
	Domains         map[string]*LimitValues `yaml:"domains,omitempty"`          // Overrides recipient_domain for single domains
	FlushInterval   time.Duration           `yaml:"flush_interval"`             // Default: 10s
}

// LimitValues contains message counts per window. Zero means unlimited.
type LimitValues struct {
	MessagesPerHour int `yaml:"messages_per_hour"`
	MessagesPerDay  int `yaml:"messages_per_day"`
}

// Enabled reports whether any send limit is configured
func (l *LimitsConfig) Enabled() bool {
	return l.Global != nil || l.Mailing != nil || l.RecipientDomain != nil || len(l.Domains) > 0
}

// TransportConfig contains outgoing SMTP settings
type TransportConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	TLS      string        `yaml:"tls"` // none, starttls, tls
	Timeout  time.Duration `yaml:"timeout"`
	HeloName string        `yaml:"helo_name"`
	DKIM     DKIMConfig    `yaml:"dkim"`

	Mode       string  `yaml:"mode"`        // smtp, sandbox, redirect (default: smtp)
	RedirectTo string  `yaml:"redirect_to"` // Receives every message in redirect mode
	ErrorRate  float64 `yaml:"error_rate"`  // Share of sandbox sends failing with a simulated error
}

// DKIMConfig contains DKIM signing settings
type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
	Domain   string `yaml:"domain"`
}

// TrackingConfig contains jump URL settings
type TrackingConfig struct {
	ListenAddr    string        `yaml:"listen_addr"`
	Path          string        `yaml:"path"`           // Default: /jump
	AuthSecret    string        `yaml:"auth_secret"`    // Secret mixed into recipient auth codes
	DedupWindow   time.Duration `yaml:"dedup_window"`   // Default: 10s
	PixelPath     string        `yaml:"pixel_path"`     // Pixel embedded into html bodies (default: pixel.gif)
	PixelPatterns []string      `yaml:"pixel_patterns"` // Regexps for allowed open-tracking pixel paths
	APIKey        string        `yaml:"api_key"`        // Protects the reporting API; empty disables the check
	APIAllowedIPs []string      `yaml:"api_allowed_ips"` // IP addresses/CIDRs allowed to use the reporting API
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	TLS           TLSConfig     `yaml:"tls"`
}

// TLSConfig contains TLS certificate settings
type TLSConfig struct {
	CertFile string     `yaml:"cert_file"`
	KeyFile  string     `yaml:"key_file"`
	ACME     ACMEConfig `yaml:"acme"`
	HTTPAddr string     `yaml:"http_addr"` // Plain listener for ACME challenges and redirects (default: :80)
}

// ACMEConfig contains Let's Encrypt ACME settings
type ACMEConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Email    string   `yaml:"email"`
	Domains  []string `yaml:"domains"`
	CacheDir string   `yaml:"cache_dir"`
}

// Enabled reports whether the tracking listener serves HTTPS
func (t *TLSConfig) Enabled() bool {
	return t.CertFile != "" || t.ACME.Enabled
}

// BounceConfig contains bounce mailbox settings
type BounceConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Addr            string        `yaml:"addr"` // host:port of the IMAP server
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	Mailbox         string        `yaml:"mailbox"` // Default: INBOX
	TLS             string        `yaml:"tls"`     // none, starttls, tls
	MaxMessages     int           `yaml:"max_messages"`
	Interval        time.Duration `yaml:"interval"`
	Deactivate      bool          `yaml:"deactivate"`       // Deactivate recipients on hard bounces
	DeactivateCodes []int         `yaml:"deactivate_codes"` // Default: 550, 551
}

// RedisConfig contains Redis settings for the distributed dispatch lock
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled    bool     `yaml:"enabled"`
	ListenAddr string   `yaml:"listen_addr"` // Default: :9090
	Path       string   `yaml:"path"`        // Default: /metrics
	AllowedIPs []string `yaml:"allowed_ips"` // IP addresses/CIDRs allowed to access metrics
}

// SourceConfig declares an additional recipient source
type SourceConfig struct {
	Identifier       string   `yaml:"identifier"`
	Kind             string   `yaml:"kind"`
	Table            string   `yaml:"table"`
	IgnoreMailActive bool     `yaml:"ignore_mail_active"`
	ForceHTML        bool     `yaml:"force_html"`
	CSVExportFields  []string `yaml:"csv_export_fields"`
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Server.Hostname = hostname
	}
	c.Server.SiteURL = strings.TrimRight(c.Server.SiteURL, "/")

	if c.Storage.Database == "" {
		c.Storage.Database = "/var/lib/newsmail/newsmail.db"
	}
	if c.Storage.State == "" {
		c.Storage.State = "/var/lib/newsmail/state.db"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Dispatch.MaxPerCycle == 0 {
		c.Dispatch.MaxPerCycle = 50
	}
	if c.Dispatch.Interval == 0 {
		c.Dispatch.Interval = time.Minute
	}
	if c.Dispatch.LockBackend == "" {
		c.Dispatch.LockBackend = "bolt"
	}
	if c.Dispatch.LockTTL == 0 {
		c.Dispatch.LockTTL = 10 * time.Minute
	}
	if c.Dispatch.Limits.FlushInterval == 0 {
		c.Dispatch.Limits.FlushInterval = 10 * time.Second
	}

	if c.Transport.Host == "" {
		c.Transport.Host = "localhost"
	}
	if c.Transport.TLS == "" {
		c.Transport.TLS = "none"
	}
	if c.Transport.Port == 0 {
		switch c.Transport.TLS {
		case "tls":
			c.Transport.Port = 465
		case "starttls":
			c.Transport.Port = 587
		default:
			c.Transport.Port = 25
		}
	}
	if c.Transport.Timeout == 0 {
		c.Transport.Timeout = 30 * time.Second
	}
	if c.Transport.HeloName == "" {
		c.Transport.HeloName = c.Server.Hostname
	}
	if c.Transport.Mode == "" {
		c.Transport.Mode = "smtp"
	}

	if c.Tracking.ListenAddr == "" {
		c.Tracking.ListenAddr = ":8080"
	}
	if c.Tracking.Path == "" {
		c.Tracking.Path = "/jump"
	}
	if c.Tracking.DedupWindow == 0 {
		c.Tracking.DedupWindow = 10 * time.Second
	}
	if c.Tracking.PixelPath == "" {
		c.Tracking.PixelPath = "pixel.gif"
	}
	if len(c.Tracking.PixelPatterns) == 0 {
		c.Tracking.PixelPatterns = []string{`^/?pixel\.gif$`}
	}
	if c.Tracking.ReadTimeout == 0 {
		c.Tracking.ReadTimeout = 10 * time.Second
	}
	if c.Tracking.WriteTimeout == 0 {
		c.Tracking.WriteTimeout = 10 * time.Second
	}
	if c.Tracking.TLS.HTTPAddr == "" {
		c.Tracking.TLS.HTTPAddr = ":80"
	}
	if c.Tracking.TLS.ACME.CacheDir == "" {
		c.Tracking.TLS.ACME.CacheDir = "/var/lib/newsmail/certs"
	}

	if c.Bounce.Mailbox == "" {
		c.Bounce.Mailbox = "INBOX"
	}
	if c.Bounce.TLS == "" {
		c.Bounce.TLS = "tls"
	}
	if c.Bounce.MaxMessages == 0 {
		c.Bounce.MaxMessages = 100
	}
	if c.Bounce.Interval == 0 {
		c.Bounce.Interval = 5 * time.Minute
	}
	if len(c.Bounce.DeactivateCodes) == 0 {
		c.Bounce.DeactivateCodes = []int{550, 551}
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.SiteURL == "" {
		return fmt.Errorf("server.site_url is required")
	}
	u, err := url.Parse(c.Server.SiteURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server.site_url must be an absolute http(s) URL")
	}

	if c.Tracking.AuthSecret == "" {
		return fmt.Errorf("tracking.auth_secret is required")
	}
	if !strings.HasPrefix(c.Tracking.Path, "/") {
		return fmt.Errorf("tracking.path must start with /")
	}
	for _, p := range c.Tracking.PixelPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("invalid tracking.pixel_patterns entry %q: %w", p, err)
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if c.Dispatch.MaxPerCycle < 0 {
		return fmt.Errorf("dispatch.max_per_cycle must not be negative")
	}
	if c.Dispatch.LockBackend != "bolt" && c.Dispatch.LockBackend != "redis" {
		return fmt.Errorf("invalid dispatch.lock_backend: %s (must be bolt or redis)", c.Dispatch.LockBackend)
	}

	validTLS := map[string]bool{"none": true, "starttls": true, "tls": true}
	if !validTLS[c.Transport.TLS] {
		return fmt.Errorf("invalid transport.tls: %s (must be none, starttls, or tls)", c.Transport.TLS)
	}
	if !validTLS[c.Bounce.TLS] {
		return fmt.Errorf("invalid bounce.tls: %s (must be none, starttls, or tls)", c.Bounce.TLS)
	}

	if err := c.validateTransportMode(); err != nil {
		return err
	}
	if err := c.validateDKIM(); err != nil {
		return err
	}
	if err := c.validateTLS(); err != nil {
		return err
	}
	if err := c.validateLimits(); err != nil {
		return err
	}

	if c.Bounce.Enabled && c.Bounce.Addr == "" {
		return fmt.Errorf("bounce.addr is required when bounce processing is enabled")
	}

	if _, err := c.SourceConfigurations(); err != nil {
		return err
	}

	return nil
}

func (c *Config) validateTransportMode() error {
	t := c.Transport
	switch t.Mode {
	case "smtp", "sandbox":
	case "redirect":
		if _, err := mail.ParseAddress(t.RedirectTo); err != nil {
			return fmt.Errorf("transport.redirect_to must be a valid address in redirect mode")
		}
	default:
		return fmt.Errorf("invalid transport.mode: %s (must be smtp, sandbox, or redirect)", t.Mode)
	}
	if t.ErrorRate < 0 || t.ErrorRate > 1 {
		return fmt.Errorf("transport.error_rate must be between 0 and 1")
	}
	return nil
}

// validateTLS validates TLS configuration
func (c *Config) validateTLS() error {
	tls := c.Tracking.TLS
	hasCerts := tls.CertFile != "" || tls.KeyFile != ""
	hasACME := tls.ACME.Enabled

	if hasCerts && hasACME {
		return fmt.Errorf("cannot use both manual certificates and ACME")
	}

	if hasCerts {
		if tls.CertFile == "" {
			return fmt.Errorf("tracking.tls.cert_file is required when using manual certificates")
		}
		if tls.KeyFile == "" {
			return fmt.Errorf("tracking.tls.key_file is required when using manual certificates")
		}
	}

	if hasACME {
		if tls.ACME.Email == "" {
			return fmt.Errorf("tracking.tls.acme.email is required when ACME is enabled")
		}
		if len(tls.ACME.Domains) == 0 {
			return fmt.Errorf("tracking.tls.acme.domains must not be empty when ACME is enabled")
		}
	}

	return nil
}

func (c *Config) validateLimits() error {
	check := func(name string, v *LimitValues) error {
		if v != nil && (v.MessagesPerHour < 0 || v.MessagesPerDay < 0) {
			return fmt.Errorf("dispatch.limits.%s must not be negative", name)
		}
		return nil
	}
	l := c.Dispatch.Limits
	if err := check("global", l.Global); err != nil {
		return err
	}
	if err := check("mailing", l.Mailing); err != nil {
		return err
	}
	if err := check("recipient_domain", l.RecipientDomain); err != nil {
		return err
	}
	for domain, v := range l.Domains {
		if err := check("domains."+domain, v); err != nil {
			return err
		}
	}
	return nil
}

// validateDKIM validates DKIM configuration
func (c *Config) validateDKIM() error {
	d := c.Transport.DKIM
	if !d.Enabled {
		return nil
	}

	if d.Selector == "" {
		return fmt.Errorf("transport.dkim.selector is required when DKIM is enabled")
	}
	if d.KeyFile == "" {
		return fmt.Errorf("transport.dkim.key_file is required when DKIM is enabled")
	}
	if d.Domain == "" {
		return fmt.Errorf("transport.dkim.domain is required when DKIM is enabled")
	}

	return nil
}

// SourceConfigurations returns the built-in sources followed by the configured ones
func (c *Config) SourceConfigurations() ([]source.Configuration, error) {
	cfgs := source.Defaults()
	for i, sc := range c.Sources {
		kind, err := source.ParseKind(sc.Kind)
		if err != nil {
			return nil, fmt.Errorf("sources[%d]: %w", i, err)
		}
		cfgs = append(cfgs, source.Configuration{
			Identifier:       sc.Identifier,
			Kind:             kind,
			Table:            sc.Table,
			IgnoreMailActive: sc.IgnoreMailActive,
			ForceHTML:        sc.ForceHTML,
			CSVExportFields:  sc.CSVExportFields,
		})
	}
	if _, err := source.NewRegistry(cfgs...); err != nil {
		return nil, fmt.Errorf("sources: %w", err)
	}
	return cfgs, nil
}
