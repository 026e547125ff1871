package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the process-wide policy and runtime settings. It is built once
// at start-up and passed by pointer into the components; nothing reads the
// environment after construction.
type Config struct {
	// CheckInterval is the delay between the end of one cycle and the start of
	// the next. Zero means run a single cycle and exit.
	CheckInterval time.Duration `json:"check_interval" yaml:"check_interval"`
	AutoUpdate    bool          `json:"auto_update" yaml:"auto_update"`
	DryRun        bool          `json:"dry_run" yaml:"dry_run"`
	// LabelFilter restricts the scope to containers carrying key=value. Nil
	// means every running container is in scope.
	LabelFilter *LabelFilter `json:"label_enable" yaml:"label_enable"`

	NotifyWebhook string `json:"notify_webhook" yaml:"notify_webhook"`
	// NotifyLevel is one of "all", "failure", "none".
	NotifyLevel   string        `json:"notify_level" yaml:"notify_level"`
	NotifyTimeout time.Duration `json:"notify_timeout" yaml:"notify_timeout"`

	LogLevel  string `json:"log_level" yaml:"log_level"`
	LogFile   string `json:"log_file" yaml:"log_file"`
	LogFormat string `json:"log_format" yaml:"log_format"`

	// StopTimeout is the grace period given to a container before it is killed.
	StopTimeout    time.Duration `json:"stop_timeout" yaml:"stop_timeout"`
	LookupTimeout  time.Duration `json:"lookup_timeout" yaml:"lookup_timeout"`
	PullTimeout    time.Duration `json:"pull_timeout" yaml:"pull_timeout"`
	RuntimeTimeout time.Duration `json:"runtime_timeout" yaml:"runtime_timeout"`

	// Cleanup removes the superseded image after a successful recreation.
	Cleanup     bool   `json:"cleanup" yaml:"cleanup"`
	PatchWindow string `json:"patch_window" yaml:"patch_window"`

	MetricsEnabled bool `json:"metrics_enabled" yaml:"metrics_enabled"`
	MetricsPort    int  `json:"metrics_port" yaml:"metrics_port"`

	// StateDir holds the record of containers that were removed but could not
	// be relaunched.
	StateDir string `json:"state_dir" yaml:"state_dir"`
	// SelfID is the runtime-assigned identifier of the container this process
	// runs in (the hostname by default). Empty disables self-exclusion.
	SelfID string `json:"self_id" yaml:"self_id"`
}

// DefaultConfig returns a sane default configuration
func DefaultConfig() *Config {
	return &Config{
		CheckInterval: 60 * time.Minute,
		AutoUpdate:    true,
		DryRun:        false,

		NotifyLevel:   "all",
		NotifyTimeout: 10 * time.Second,

		LogLevel:  "info",
		LogFormat: "json",

		StopTimeout:    30 * time.Second,
		LookupTimeout:  30 * time.Second,
		PullTimeout:    10 * time.Minute,
		RuntimeTimeout: 1 * time.Minute,

		MetricsEnabled: false,
		MetricsPort:    9090,

		StateDir: "/var/lib/autoupdater",
	}
}

// LabelFilter is a validated key=value label selector.
type LabelFilter struct {
	Key   string
	Value string
}

// ParseLabelFilter parses "key=value". An empty string yields a nil filter.
func ParseLabelFilter(s string) (*LabelFilter, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	key, value, ok := strings.Cut(s, "=")
	key, value = strings.TrimSpace(key), strings.TrimSpace(value)
	if !ok || key == "" || value == "" {
		return nil, fmt.Errorf("invalid label filter %q: expected key=value", s)
	}
	return &LabelFilter{Key: key, Value: value}, nil
}

// String renders the filter in the daemon's label filter syntax.
func (f *LabelFilter) String() string {
	if f == nil {
		return ""
	}
	return f.Key + "=" + f.Value
}

// Matches reports whether labels satisfy the filter. A nil filter matches everything.
func (f *LabelFilter) Matches(labels map[string]string) bool {
	if f == nil {
		return true
	}
	v, ok := labels[f.Key]
	return ok && v == f.Value
}

// UnmarshalYAML accepts the filter as a plain "key=value" scalar.
func (f *LabelFilter) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseLabelFilter(s)
	if err != nil {
		return err
	}
	if parsed == nil {
		*f = LabelFilter{}
		return nil
	}
	*f = *parsed
	return nil
}

// Enabled reports whether the filter selects anything specific.
func (f *LabelFilter) Enabled() bool {
	return f != nil && f.Key != ""
}

// IsWithinPatchWindow returns true when the provided time is inside the configured patch window.
// PatchWindow format: "HH:MM-HH:MM" in local time. Supports windows that span midnight (e.g., "23:00-02:00").
func (c *Config) IsWithinPatchWindow(now time.Time) bool {
	if c.PatchWindow == "" {
		return true
	}
	start, end, err := parsePatchWindow(c.PatchWindow)
	if err != nil {
		// invalid window never allows updates
		return false
	}
	nowMinutes := now.Hour()*60 + now.Minute()
	if end > start {
		return nowMinutes >= start && nowMinutes <= end
	}
	return nowMinutes >= start || nowMinutes <= end
}

func parsePatchWindow(pw string) (int, int, error) {
	var sh, sm, eh, em int
	n, err := fmt.Sscanf(pw, "%d:%d-%d:%d", &sh, &sm, &eh, &em)
	if err != nil || n != 4 || sh < 0 || sh > 23 || eh < 0 || eh > 23 || sm < 0 || sm > 59 || em < 0 || em > 59 {
		return 0, 0, fmt.Errorf("invalid patch window %q (expected HH:MM-HH:MM)", pw)
	}
	return sh*60 + sm, eh*60 + em, nil
}

// Validate returns an error describing every setting that cannot be used.
func (c *Config) Validate() error {
	var errs []error
	if c.CheckInterval < 0 {
		errs = append(errs, fmt.Errorf("check interval must not be negative, got %s", c.CheckInterval))
	}
	timeouts := []struct {
		name string
		d    time.Duration
	}{
		{"stop timeout", c.StopTimeout},
		{"lookup timeout", c.LookupTimeout},
		{"pull timeout", c.PullTimeout},
		{"runtime timeout", c.RuntimeTimeout},
		{"notify timeout", c.NotifyTimeout},
	}
	for _, t := range timeouts {
		if t.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", t.name, t.d))
		}
	}
	switch strings.ToLower(c.NotifyLevel) {
	case "all", "failure", "none":
	default:
		errs = append(errs, fmt.Errorf("invalid notify level %q (expected all, failure or none)", c.NotifyLevel))
	}
	if c.PatchWindow != "" {
		if _, _, err := parsePatchWindow(c.PatchWindow); err != nil {
			errs = append(errs, err)
		}
	}
	if c.MetricsEnabled && (c.MetricsPort <= 0 || c.MetricsPort > 65535) {
		errs = append(errs, fmt.Errorf("invalid metrics port %d", c.MetricsPort))
	}
	if c.LabelFilter != nil && !c.LabelFilter.Enabled() {
		c.LabelFilter = nil
	}
	return errors.Join(errs...)
}

// Warnings returns non-fatal observations about the configuration.
func (c *Config) Warnings() []string {
	var warnings []string
	checks := []struct {
		cond bool
		msg  string
	}{
		{c.NotifyWebhook == "" && strings.ToLower(c.NotifyLevel) != "all", "notify level set but no webhook configured"},
		{!c.AutoUpdate && c.DryRun, "dry run has no effect while auto update is disabled"},
		{c.SelfID == "", "self id unknown; the updater's own container is not excluded"},
	}
	for _, ch := range checks {
		if ch.cond {
			warnings = append(warnings, ch.msg)
		}
	}
	return warnings
}

// LoadConfigFromFile loads config from a YAML/JSON file on top of the defaults
func LoadConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}
