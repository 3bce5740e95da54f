// Package config provides configuration loading and management for the sync bridge.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// PolicyTrackerWins resolves conflicts in favor of the issue tracker
	PolicyTrackerWins = "tracker-wins"

	// PolicyDocumentWins resolves conflicts in favor of the document database
	PolicyDocumentWins = "document-wins"

	// PolicyLastWriterWins resolves conflicts by payload timestamp
	PolicyLastWriterWins = "last-writer-wins"
)

// Platform names accepted in the platforms section and as the conflict
// tie-break default.
const (
	PlatformTracker  = "tracker"
	PlatformDocument = "document"
)

// EnvPrefix is the prefix for environment variables used by the bridge.
const EnvPrefix = "SYNCBRIDGE"

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		// Validate the path to prevent path traversal attacks
		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	// BridgeName is the name/identifier for this bridge instance
	// Defaults to "default" if not specified
	BridgeName string `yaml:"bridgeName,omitempty"`

	// Platforms holds per-platform webhook and API settings, keyed by
	// platform name (tracker, document)
	Platforms map[string]PlatformConfig `yaml:"platforms"`

	// SourceOfTruth selects the conflict resolution policy
	SourceOfTruth *SourceOfTruthConfig `yaml:"sourceOfTruth,omitempty"`

	// Retry controls the retry schedule for transient apply failures
	Retry *RetryConfig `yaml:"retry,omitempty"`

	// Locks controls the per-entity lock leases
	Locks *LockConfig `yaml:"locks,omitempty"`

	// Workers controls the dispatcher worker pool
	Workers *WorkerConfig `yaml:"workers,omitempty"`

	// DeadLetterSweep controls the periodic dead-letter replay sweep
	DeadLetterSweep *SweepConfig `yaml:"deadLetterSweep,omitempty"`

	// Admin protects the operator endpoints
	Admin *AdminConfig `yaml:"admin,omitempty"`

	Database *DatabaseConfig `yaml:"database,omitempty"`
}

// PlatformConfig defines settings for one synchronized platform
type PlatformConfig struct {
	// WebhookSecretFile is the path to a file containing the HMAC secret
	// used to verify inbound webhook signatures. This is the recommended
	// approach for production deployments.
	WebhookSecretFile string `yaml:"webhookSecretFile,omitempty"`

	// WebhookSecret is the inline HMAC secret. Prefer WebhookSecretFile.
	WebhookSecret string `yaml:"webhookSecret,omitempty"`

	// Endpoint is the base API URL used to apply changes to this platform
	// Example: "https://tracker.internal.example.com/api"
	Endpoint string `yaml:"endpoint"`

	// TokenFile is the path to a file containing the API bearer token
	TokenFile string `yaml:"tokenFile,omitempty"`

	// Token is the inline API bearer token. Prefer TokenFile.
	Token string `yaml:"token,omitempty"`

	// Timeout is the per-request timeout for apply calls (e.g., "10s")
	Timeout string `yaml:"timeout,omitempty"`
}

// SourceOfTruthConfig defines conflict resolution settings
type SourceOfTruthConfig struct {
	// Policy is one of tracker-wins, document-wins, last-writer-wins
	Policy string `yaml:"policy"`

	// DefaultPlatform breaks last-writer-wins ties when both payloads
	// carry the same timestamp (tracker or document)
	DefaultPlatform string `yaml:"defaultPlatform,omitempty"`
}

// RetryConfig defines the retry schedule for transient failures
type RetryConfig struct {
	// MaxAttempts is the total attempt budget per event, including the first
	MaxAttempts int `yaml:"maxAttempts,omitempty"`

	// InitialDelay is the base delay before the first retry (e.g., "500ms")
	InitialDelay string `yaml:"initialDelay,omitempty"`

	// MaxDelay caps the exponential schedule (e.g., "1m")
	MaxDelay string `yaml:"maxDelay,omitempty"`
}

// LockConfig defines per-entity lock lease settings
type LockConfig struct {
	// LeaseDuration is how long an acquired lock stays live without
	// being released (e.g., "30s")
	LeaseDuration string `yaml:"leaseDuration,omitempty"`
}

// WorkerConfig defines dispatcher worker pool settings
type WorkerConfig struct {
	// Count is the number of concurrent sync workers
	Count int `yaml:"count,omitempty"`

	// QueueSize bounds the ingest queue between the webhook handler
	// and the workers
	QueueSize int `yaml:"queueSize,omitempty"`
}

// SweepConfig defines the dead-letter sweep loop settings
type SweepConfig struct {
	// Interval is how often the sweep runs (e.g., "5m")
	Interval string `yaml:"interval,omitempty"`

	// MinAge is how long an entry must sit untouched before the sweep
	// picks it up (e.g., "10m")
	MinAge string `yaml:"minAge,omitempty"`

	// BatchSize caps entries replayed per sweep
	BatchSize int `yaml:"batchSize,omitempty"`
}

// AdminConfig protects the operator endpoints
type AdminConfig struct {
	// AuthTokenFile is the path to a file containing the bearer token
	// required on /admin endpoints
	AuthTokenFile string `yaml:"authTokenFile,omitempty"`

	// AuthToken is the inline bearer token. Prefer AuthTokenFile.
	AuthToken string `yaml:"authToken,omitempty"`
}

// DatabaseConfig defines database connection settings
type DatabaseConfig struct {
	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password
	// This is the recommended approach for production deployments
	// The file should contain only the password with optional trailing whitespace
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// MaxConns is the maximum number of connections in the pool
	MaxConns int32 `yaml:"maxConns,omitempty"`

	// MinConns is the minimum number of idle connections kept in the pool
	MinConns int32 `yaml:"minConns,omitempty"`

	// ConnMaxLifetime is the maximum lifetime of a connection (e.g., "1h", "30m")
	ConnMaxLifetime string `yaml:"connMaxLifetime,omitempty"`
}

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from SYNCBRIDGE_DATABASE_PASSWORD environment variable
//
// The password from file will have leading/trailing whitespace trimmed.
func (d *DatabaseConfig) GetPassword() (string, error) {
	if d.PasswordFile != "" {
		return readSecretFile(d.PasswordFile)
	}

	if envPassword := os.Getenv("SYNCBRIDGE_DATABASE_PASSWORD"); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or SYNCBRIDGE_DATABASE_PASSWORD environment variable",
	)
}

// GetConnectionString builds a PostgreSQL connection string with proper password handling.
// The password is URL-escaped to handle special characters safely.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	// URL-escape the password to handle special characters
	escapedPassword := url.QueryEscape(password)

	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User,
		escapedPassword,
		d.Host,
		d.Port,
		d.Database,
		sslMode,
	)

	return connString, nil
}

// GetWebhookSecret returns the webhook HMAC secret for a platform using
// the following priority:
// 1. Read from WebhookSecretFile if specified
// 2. Read from SYNCBRIDGE_<PLATFORM>_WEBHOOK_SECRET environment variable
// 3. The inline WebhookSecret value
func (p *PlatformConfig) GetWebhookSecret(platform string) (string, error) {
	if p.WebhookSecretFile != "" {
		return readSecretFile(p.WebhookSecretFile)
	}

	envKey := fmt.Sprintf("SYNCBRIDGE_%s_WEBHOOK_SECRET", strings.ToUpper(platform))
	if envSecret := os.Getenv(envKey); envSecret != "" {
		return envSecret, nil
	}

	if p.WebhookSecret != "" {
		return p.WebhookSecret, nil
	}

	return "", fmt.Errorf(
		"no webhook secret configured for %s: set webhookSecretFile, %s, or webhookSecret", platform, envKey,
	)
}

// GetToken returns the API bearer token for a platform, preferring the
// token file over the inline value.
func (p *PlatformConfig) GetToken() (string, error) {
	if p.TokenFile != "" {
		return readSecretFile(p.TokenFile)
	}
	return p.Token, nil
}

// GetTimeout returns the per-request apply timeout, defaulting to 10s.
func (p *PlatformConfig) GetTimeout() time.Duration {
	if p.Timeout == "" {
		return 10 * time.Second
	}
	d, err := time.ParseDuration(p.Timeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// GetAuthToken returns the admin bearer token, preferring the token
// file over the inline value.
func (a *AdminConfig) GetAuthToken() (string, error) {
	if a == nil {
		return "", nil
	}
	if a.AuthTokenFile != "" {
		return readSecretFile(a.AuthTokenFile)
	}
	return a.AuthToken, nil
}

func readSecretFile(path string) (string, error) {
	// Use filepath.Clean to prevent path traversal attacks
	cleanPath := filepath.Clean(path)

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return "", fmt.Errorf("failed to read secret from file %s: %w", path, err)
	}

	// Trim whitespace (including newlines) from file content
	return strings.TrimSpace(string(data)), nil
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	// As of now, this is required because there's no other options to load
	// configuration. Once we add more options, we can remove this check.
	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	// Read the entire file into memory
	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML content
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	// Validate the config
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// GetBridgeName returns the bridge name, using "default" if not specified
func (c *Config) GetBridgeName() string {
	if c.BridgeName == "" {
		return "default"
	}
	return c.BridgeName
}

// GetPolicy returns the conflict policy, defaulting to last-writer-wins.
func (c *Config) GetPolicy() string {
	if c.SourceOfTruth == nil || c.SourceOfTruth.Policy == "" {
		return PolicyLastWriterWins
	}
	return c.SourceOfTruth.Policy
}

// GetDefaultPlatform returns the platform that wins equal-timestamp
// ties under last-writer-wins, defaulting to the tracker.
func (c *Config) GetDefaultPlatform() string {
	if c.SourceOfTruth == nil || c.SourceOfTruth.DefaultPlatform == "" {
		return PlatformTracker
	}
	return c.SourceOfTruth.DefaultPlatform
}

// Retry schedule defaults.
const (
	DefaultMaxAttempts  = 5
	DefaultInitialDelay = 500 * time.Millisecond
	DefaultMaxDelay     = time.Minute
)

// GetMaxAttempts returns the per-event attempt budget.
func (c *Config) GetMaxAttempts() int {
	if c.Retry == nil || c.Retry.MaxAttempts == 0 {
		return DefaultMaxAttempts
	}
	return c.Retry.MaxAttempts
}

// GetInitialDelay returns the base retry delay.
func (c *Config) GetInitialDelay() time.Duration {
	if c.Retry == nil || c.Retry.InitialDelay == "" {
		return DefaultInitialDelay
	}
	d, err := time.ParseDuration(c.Retry.InitialDelay)
	if err != nil {
		return DefaultInitialDelay
	}
	return d
}

// GetMaxDelay returns the retry delay cap.
func (c *Config) GetMaxDelay() time.Duration {
	if c.Retry == nil || c.Retry.MaxDelay == "" {
		return DefaultMaxDelay
	}
	d, err := time.ParseDuration(c.Retry.MaxDelay)
	if err != nil {
		return DefaultMaxDelay
	}
	return d
}

// GetLeaseDuration returns the entity lock lease, defaulting to 30s.
func (c *Config) GetLeaseDuration() time.Duration {
	if c.Locks == nil || c.Locks.LeaseDuration == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(c.Locks.LeaseDuration)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// Worker pool defaults.
const (
	DefaultWorkerCount = 4
	DefaultQueueSize   = 256
)

// GetWorkerCount returns the number of sync workers.
func (c *Config) GetWorkerCount() int {
	if c.Workers == nil || c.Workers.Count == 0 {
		return DefaultWorkerCount
	}
	return c.Workers.Count
}

// GetQueueSize returns the ingest queue capacity.
func (c *Config) GetQueueSize() int {
	if c.Workers == nil || c.Workers.QueueSize == 0 {
		return DefaultQueueSize
	}
	return c.Workers.QueueSize
}

// Dead-letter sweep defaults.
const (
	DefaultSweepInterval  = 5 * time.Minute
	DefaultSweepMinAge    = 10 * time.Minute
	DefaultSweepBatchSize = 50
)

// GetSweepInterval returns how often the dead-letter sweep runs.
func (c *Config) GetSweepInterval() time.Duration {
	if c.DeadLetterSweep == nil || c.DeadLetterSweep.Interval == "" {
		return DefaultSweepInterval
	}
	d, err := time.ParseDuration(c.DeadLetterSweep.Interval)
	if err != nil {
		return DefaultSweepInterval
	}
	return d
}

// GetSweepMinAge returns the minimum idle age before the sweep replays
// an entry.
func (c *Config) GetSweepMinAge() time.Duration {
	if c.DeadLetterSweep == nil || c.DeadLetterSweep.MinAge == "" {
		return DefaultSweepMinAge
	}
	d, err := time.ParseDuration(c.DeadLetterSweep.MinAge)
	if err != nil {
		return DefaultSweepMinAge
	}
	return d
}

// GetSweepBatchSize returns the per-sweep replay cap.
func (c *Config) GetSweepBatchSize() int {
	if c.DeadLetterSweep == nil || c.DeadLetterSweep.BatchSize == 0 {
		return DefaultSweepBatchSize
	}
	return c.DeadLetterSweep.BatchSize
}

// Validate performs validation on the configuration
func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if len(c.Platforms) == 0 {
		return fmt.Errorf("at least one platform must be configured")
	}

	for name, p := range c.Platforms {
		if err := validatePlatformConfig(name, &p); err != nil {
			return err
		}
	}

	if err := validateSourceOfTruth(c.SourceOfTruth); err != nil {
		return err
	}

	if err := validateRetry(c.Retry); err != nil {
		return err
	}

	return validateDurations(c)
}

// validatePlatformConfig validates a single platform configuration
func validatePlatformConfig(name string, p *PlatformConfig) error {
	prefix := fmt.Sprintf("platforms.%s", name)

	if name != PlatformTracker && name != PlatformDocument {
		return fmt.Errorf("%s: unknown platform, expected %s or %s", prefix, PlatformTracker, PlatformDocument)
	}

	if p.Endpoint == "" {
		return fmt.Errorf("%s: endpoint is required", prefix)
	}
	if _, err := url.Parse(p.Endpoint); err != nil {
		return fmt.Errorf("%s: endpoint is not a valid URL: %w", prefix, err)
	}

	if p.Timeout != "" {
		if _, err := time.ParseDuration(p.Timeout); err != nil {
			return fmt.Errorf("%s: timeout must be a valid duration (e.g., '10s'): %w", prefix, err)
		}
	}

	return nil
}

// validateSourceOfTruth validates the conflict policy settings
func validateSourceOfTruth(s *SourceOfTruthConfig) error {
	if s == nil {
		return nil
	}

	switch s.Policy {
	case "", PolicyTrackerWins, PolicyDocumentWins, PolicyLastWriterWins:
	default:
		return fmt.Errorf("sourceOfTruth.policy must be one of %s, %s, %s",
			PolicyTrackerWins, PolicyDocumentWins, PolicyLastWriterWins)
	}

	switch s.DefaultPlatform {
	case "", PlatformTracker, PlatformDocument:
	default:
		return fmt.Errorf("sourceOfTruth.defaultPlatform must be %s or %s", PlatformTracker, PlatformDocument)
	}

	return nil
}

// validateRetry validates the retry schedule settings
func validateRetry(r *RetryConfig) error {
	if r == nil {
		return nil
	}

	if r.MaxAttempts < 0 {
		return fmt.Errorf("retry.maxAttempts must be positive")
	}

	return nil
}

// validateDurations checks every duration-valued field parses
func validateDurations(c *Config) error {
	checks := []struct {
		field string
		value string
	}{
		{"retry.initialDelay", durationField(c.Retry == nil, func() string { return c.Retry.InitialDelay })},
		{"retry.maxDelay", durationField(c.Retry == nil, func() string { return c.Retry.MaxDelay })},
		{"locks.leaseDuration", durationField(c.Locks == nil, func() string { return c.Locks.LeaseDuration })},
		{"deadLetterSweep.interval", durationField(c.DeadLetterSweep == nil, func() string { return c.DeadLetterSweep.Interval })},
		{"deadLetterSweep.minAge", durationField(c.DeadLetterSweep == nil, func() string { return c.DeadLetterSweep.MinAge })},
		{"database.connMaxLifetime", durationField(c.Database == nil, func() string { return c.Database.ConnMaxLifetime })},
	}

	for _, check := range checks {
		if check.value == "" {
			continue
		}
		if _, err := time.ParseDuration(check.value); err != nil {
			return fmt.Errorf("%s must be a valid duration: %w", check.field, err)
		}
	}

	return nil
}

func durationField(missing bool, get func() string) string {
	if missing {
		return ""
	}
	return get()
}
