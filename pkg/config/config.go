package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/taskworker/pkg/artifacts"
	"github.com/cuemby/taskworker/pkg/log"
	"github.com/cuemby/taskworker/pkg/retry"
	"github.com/cuemby/taskworker/pkg/types"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the credentials in the file
const (
	EnvClientID    = "TASKWORKER_CLIENT_ID"
	EnvAccessToken = "TASKWORKER_ACCESS_TOKEN"
)

// Config is the worker configuration. Durations are written as strings
// such as "30s" or "2h".
type Config struct {
	// Identity
	ProvisionerID string `yaml:"provisioner_id"`
	WorkerType    string `yaml:"worker_type"`
	WorkerGroup   string `yaml:"worker_group"`
	WorkerID      string `yaml:"worker_id"`

	// Queue access
	QueueRootURL string            `yaml:"queue_root_url"`
	Credentials  types.Credentials `yaml:"credentials"`

	// Directories
	WorkDir     string `yaml:"work_dir"`
	ArtifactDir string `yaml:"artifact_dir"`
	DataDir     string `yaml:"data_dir"`

	// Task execution
	TaskScript           []string      `yaml:"task_script"`
	TaskMaxTimeout       time.Duration `yaml:"task_max_timeout"`
	TaskMaxTimeoutStatus types.Status  `yaml:"task_max_timeout_status"`
	KillGracePeriod      time.Duration `yaml:"kill_grace_period"`

	// Polling and claims
	PollInterval    time.Duration `yaml:"poll_interval"`
	ReclaimInterval time.Duration `yaml:"reclaim_interval"`

	// Artifacts
	ArtifactUploadTimeout      time.Duration    `yaml:"artifact_upload_timeout"`
	ArtifactExpirationOverride time.Duration    `yaml:"artifact_expiration_override"`
	ValidArtifactRules         []artifacts.Rule `yaml:"valid_artifact_rules"`
	MaxConnections             int              `yaml:"max_connections"`

	// Chain of trust
	VerifyChainOfTrust bool `yaml:"verify_chain_of_trust"`

	Retry       RetryConfig `yaml:"retry"`
	MetricsAddr string      `yaml:"metrics_addr"`
	Log         log.Config  `yaml:"log"`
}

// RetryConfig tunes the retry loop shared by all queue and transfer calls
type RetryConfig struct {
	Attempts     int           `yaml:"attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	// Jitter is the randomization factor; unset keeps the default, 0 disables it
	Jitter *float64 `yaml:"jitter"`
}

// Options converts the section into retry options
func (r RetryConfig) Options() []retry.Option {
	o := retry.Options{
		Attempts:     r.Attempts,
		InitialDelay: r.InitialDelay,
		MaxDelay:     r.MaxDelay,
	}
	if r.Jitter != nil {
		if *r.Jitter == 0 {
			o.NoJitter = true
		} else {
			o.RandomizationFactor = *r.Jitter
		}
	}
	return []retry.Option{retry.With(o)}
}

// Default returns the configuration used for every key the file omits
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	root := filepath.Join(homeDir, ".taskworker")

	return &Config{
		WorkerGroup:                "default",
		WorkerID:                   uuid.New().String(),
		WorkDir:                    filepath.Join(root, "work"),
		ArtifactDir:                filepath.Join(root, "artifacts"),
		DataDir:                    filepath.Join(root, "data"),
		TaskMaxTimeout:             20 * time.Minute,
		TaskMaxTimeoutStatus:       types.StatusResourceUnavailable,
		KillGracePeriod:            time.Second,
		PollInterval:               10 * time.Second,
		ReclaimInterval:            5 * time.Minute,
		ArtifactUploadTimeout:      20 * time.Minute,
		ArtifactExpirationOverride: 0,
		MaxConnections:             30,
		VerifyChainOfTrust:         false,
		Retry: RetryConfig{
			Attempts:     retry.DefaultAttempts,
			InitialDelay: retry.DefaultInitialDelay,
			MaxDelay:     retry.DefaultMaxDelay,
		},
		MetricsAddr: "127.0.0.1:9090",
		Log: log.Config{
			Level: log.InfoLevel,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyEnv()

	if len(cfg.ValidArtifactRules) == 0 && cfg.QueueRootURL != "" {
		cfg.ValidArtifactRules = []artifacts.Rule{artifacts.DefaultRule(cfg.QueueRootURL)}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvClientID); v != "" {
		c.Credentials.ClientID = v
	}
	if v := os.Getenv(EnvAccessToken); v != "" {
		c.Credentials.AccessToken = v
	}
}

// Validate reports every problem found, joined
func (c *Config) Validate() error {
	var errs []error

	required := []struct {
		key   string
		value string
	}{
		{"provisioner_id", c.ProvisionerID},
		{"worker_type", c.WorkerType},
		{"worker_group", c.WorkerGroup},
		{"worker_id", c.WorkerID},
		{"queue_root_url", c.QueueRootURL},
		{"work_dir", c.WorkDir},
		{"artifact_dir", c.ArtifactDir},
		{"data_dir", c.DataDir},
	}
	for _, r := range required {
		if r.value == "" {
			errs = append(errs, fmt.Errorf("%s is required", r.key))
		}
	}

	if c.QueueRootURL != "" {
		if u, err := url.Parse(c.QueueRootURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("queue_root_url %q is not an absolute url", c.QueueRootURL))
		}
	}
	if c.Credentials.ClientID == "" || c.Credentials.AccessToken == "" {
		errs = append(errs, fmt.Errorf("credentials are required (or set %s and %s)", EnvClientID, EnvAccessToken))
	}
	if len(c.TaskScript) == 0 {
		errs = append(errs, errors.New("task_script is required"))
	}
	if c.WorkDir != "" && c.WorkDir == c.ArtifactDir {
		errs = append(errs, errors.New("work_dir and artifact_dir must differ"))
	}

	positive := []struct {
		key   string
		value time.Duration
	}{
		{"task_max_timeout", c.TaskMaxTimeout},
		{"kill_grace_period", c.KillGracePeriod},
		{"poll_interval", c.PollInterval},
		{"reclaim_interval", c.ReclaimInterval},
		{"artifact_upload_timeout", c.ArtifactUploadTimeout},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", p.key))
		}
	}
	if c.ArtifactExpirationOverride < 0 {
		errs = append(errs, errors.New("artifact_expiration_override must not be negative"))
	}
	if !c.TaskMaxTimeoutStatus.Valid() {
		errs = append(errs, fmt.Errorf("task_max_timeout_status %d is not a known status", int(c.TaskMaxTimeoutStatus)))
	}
	if c.MaxConnections < 1 {
		errs = append(errs, errors.New("max_connections must be at least 1"))
	}
	if c.Retry.Attempts < 1 {
		errs = append(errs, errors.New("retry.attempts must be at least 1"))
	}
	if j := c.Retry.Jitter; j != nil && (*j < 0 || *j >= 1) {
		errs = append(errs, fmt.Errorf("retry.jitter %v must be in [0, 1)", *j))
	}

	if len(c.ValidArtifactRules) == 0 {
		errs = append(errs, errors.New("valid_artifact_rules must not be empty"))
	}
	for i, rule := range c.ValidArtifactRules {
		if len(rule.Schemes) == 0 || len(rule.Netlocs) == 0 || len(rule.PathRegexes) == 0 {
			errs = append(errs, fmt.Errorf("valid_artifact_rules[%d] needs schemes, netlocs and path_regexes", i))
			continue
		}
		if _, err := rule.Compile(); err != nil {
			errs = append(errs, fmt.Errorf("valid_artifact_rules[%d]: %w", i, err))
		}
	}

	return errors.Join(errs...)
}
