// Package safety gates remediation execution: preflight checks over
// allowlists, operation caps and maintenance windows, a circuit breaker fed
// by executor outcomes, and a token-bucket rate limiter.
package safety

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/catherinevee/integraudit/internal/apperrors"
)

// Duration is a time.Duration that YAML decodes from "30s" style strings
// (yaml.v3 has no native duration handling) or from integer nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("%q is not a duration", s)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := node.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	return fmt.Errorf("%q is not a duration", node.Value)
}

// Config holds every safety knob. Values come from defaults, then an
// optional YAML file, then environment variables, in that order.
type Config struct {
	AllowlistEnabled    bool     `yaml:"allowlistEnabled"`
	AllowedIntegrations []string `yaml:"allowedIntegrations"`
	AllowedAccounts     []string `yaml:"allowedAccounts"`

	MaxOpsPerIntegration      int `yaml:"maxOpsPerIntegration"`
	MaxTotalOperations        int `yaml:"maxTotalOperations"`
	MaxConcurrentIntegrations int `yaml:"maxConcurrentIntegrations"`

	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	BurstLimit        int     `yaml:"burstLimit"`

	// MaintenanceWindows use a fixed English weekday table regardless of
	// locale, e.g. "sat,sun 22:00-02:00". A range crossing midnight spills
	// into the following day.
	MaintenanceWindows       []WindowSpec `yaml:"maintenanceWindows"`
	EnforceMaintenanceWindow bool         `yaml:"enforceMaintenanceWindow"`
	Timezone                 string       `yaml:"timezone"`

	ConfirmDestructiveThreshold int `yaml:"confirmDestructiveThreshold"`
	ConfirmTotalThreshold       int `yaml:"confirmTotalThreshold"`
	ConfirmHighRiskThreshold    int `yaml:"confirmHighRiskThreshold"`

	FailureThreshold int      `yaml:"failureThreshold"`
	RecoveryTimeout  Duration `yaml:"recoveryTimeout"`
	HalfOpenMaxCalls int      `yaml:"halfOpenMaxCalls"`
}

// WindowSpec is one maintenance window: a set of weekdays plus an HH:MM
// range. Start == End means the window is ignored.
type WindowSpec struct {
	Days  []string `yaml:"days"`
	Start string   `yaml:"start"`
	End   string   `yaml:"end"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxOpsPerIntegration:        50,
		MaxTotalOperations:          500,
		MaxConcurrentIntegrations:   8,
		RequestsPerSecond:           5,
		BurstLimit:                  10,
		Timezone:                    "UTC",
		ConfirmDestructiveThreshold: 10,
		ConfirmTotalThreshold:       100,
		ConfirmHighRiskThreshold:    5,
		FailureThreshold:            5,
		RecoveryTimeout:             Duration(30 * time.Second),
		HalfOpenMaxCalls:            3,
	}
}

// LoadConfig builds the effective config: defaults, then the YAML file at
// INTEGRAUDIT_SAFETY_CONFIG (if set), then individual environment variables.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv("INTEGRAUDIT_SAFETY_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, apperrors.NewConfigError(fmt.Sprintf("reading safety config %s", path), err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, apperrors.NewConfigError(fmt.Sprintf("parsing safety config %s", path), err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv("INTEGRAUDIT_ALLOWLIST_ENABLED"); ok {
		cfg.AllowlistEnabled = parseBool(v)
	}
	if v, ok := os.LookupEnv("INTEGRAUDIT_ALLOWED_INTEGRATIONS"); ok {
		cfg.AllowedIntegrations = splitList(v)
	}
	if v, ok := os.LookupEnv("INTEGRAUDIT_ALLOWED_ACCOUNTS"); ok {
		cfg.AllowedAccounts = splitList(v)
	}

	intVars := []struct {
		name string
		dst  *int
	}{
		{"INTEGRAUDIT_MAX_OPS_PER_INTEGRATION", &cfg.MaxOpsPerIntegration},
		{"INTEGRAUDIT_MAX_TOTAL_OPERATIONS", &cfg.MaxTotalOperations},
		{"INTEGRAUDIT_MAX_CONCURRENT_INTEGRATIONS", &cfg.MaxConcurrentIntegrations},
		{"INTEGRAUDIT_RATE_LIMIT_BURST", &cfg.BurstLimit},
		{"INTEGRAUDIT_CONFIRM_DESTRUCTIVE_THRESHOLD", &cfg.ConfirmDestructiveThreshold},
		{"INTEGRAUDIT_CONFIRM_TOTAL_THRESHOLD", &cfg.ConfirmTotalThreshold},
		{"INTEGRAUDIT_CONFIRM_HIGH_RISK_THRESHOLD", &cfg.ConfirmHighRiskThreshold},
		{"INTEGRAUDIT_BREAKER_FAILURE_THRESHOLD", &cfg.FailureThreshold},
		{"INTEGRAUDIT_BREAKER_HALF_OPEN_MAX_CALLS", &cfg.HalfOpenMaxCalls},
	}
	for _, iv := range intVars {
		v, ok := os.LookupEnv(iv.name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return apperrors.NewConfigError(fmt.Sprintf("%s: %q is not an integer", iv.name, v), err)
		}
		*iv.dst = n
	}

	if v, ok := os.LookupEnv("INTEGRAUDIT_RATE_LIMIT_RPS"); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return apperrors.NewConfigError(fmt.Sprintf("INTEGRAUDIT_RATE_LIMIT_RPS: %q is not a number", v), err)
		}
		cfg.RequestsPerSecond = f
	}
	if v, ok := os.LookupEnv("INTEGRAUDIT_BREAKER_RECOVERY_TIMEOUT"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return apperrors.NewConfigError(fmt.Sprintf("INTEGRAUDIT_BREAKER_RECOVERY_TIMEOUT: %q is not a duration", v), err)
		}
		cfg.RecoveryTimeout = Duration(d)
	}
	if v, ok := os.LookupEnv("INTEGRAUDIT_MAINTENANCE_WINDOW"); ok {
		windows, err := ParseWindowList(v)
		if err != nil {
			return err
		}
		cfg.MaintenanceWindows = windows
	}
	if v, ok := os.LookupEnv("INTEGRAUDIT_ENFORCE_MAINTENANCE_WINDOW"); ok {
		cfg.EnforceMaintenanceWindow = parseBool(v)
	}
	if v, ok := os.LookupEnv("INTEGRAUDIT_MAINTENANCE_TIMEZONE"); ok {
		cfg.Timezone = strings.TrimSpace(v)
	}
	return nil
}

// ParseWindowList parses "sat,sun 22:00-02:00; mon 01:00-03:00" into window
// specs. Windows are separated by semicolons.
func ParseWindowList(s string) ([]WindowSpec, error) {
	var windows []WindowSpec
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		spec, err := parseWindowSpec(part)
		if err != nil {
			return nil, err
		}
		windows = append(windows, spec)
	}
	return windows, nil
}

func parseWindowSpec(s string) (WindowSpec, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return WindowSpec{}, apperrors.NewConfigError(
			fmt.Sprintf("maintenance window %q must be \"days HH:MM-HH:MM\"", s), nil)
	}
	timeRange := strings.SplitN(fields[1], "-", 2)
	if len(timeRange) != 2 {
		return WindowSpec{}, apperrors.NewConfigError(
			fmt.Sprintf("maintenance window %q has no time range", s), nil)
	}
	spec := WindowSpec{
		Days:  splitList(fields[0]),
		Start: timeRange[0],
		End:   timeRange[1],
	}
	if _, err := parseHHMM(spec.Start); err != nil {
		return WindowSpec{}, err
	}
	if _, err := parseHHMM(spec.End); err != nil {
		return WindowSpec{}, err
	}
	for _, day := range spec.Days {
		if _, ok := weekdayTable[strings.ToLower(day)]; !ok {
			return WindowSpec{}, apperrors.NewConfigError(fmt.Sprintf("unknown weekday %q", day), nil)
		}
	}
	return spec, nil
}

// weekdayTable is a fixed English table; the machine locale never
// participates in window matching.
var weekdayTable = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

func parseHHMM(s string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, apperrors.NewConfigError(fmt.Sprintf("time %q must be HH:MM", s), nil)
	}
	hh, err := strconv.Atoi(parts[0])
	if err != nil || hh < 0 || hh > 23 {
		return 0, apperrors.NewConfigError(fmt.Sprintf("time %q has a bad hour", s), err)
	}
	mm, err := strconv.Atoi(parts[1])
	if err != nil || mm < 0 || mm > 59 {
		return 0, apperrors.NewConfigError(fmt.Sprintf("time %q has a bad minute", s), err)
	}
	return hh*60 + mm, nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
