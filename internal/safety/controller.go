package safety

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/catherinevee/integraudit/internal/apperrors"
	"github.com/catherinevee/integraudit/internal/logger"
	"github.com/catherinevee/integraudit/internal/models"
)

// PreflightRequest describes one batch about to execute.
type PreflightRequest struct {
	IntegrationIDs []string
	Plans          []*models.ExecutionPlan
	OperatorID     string
	// Concurrency is the worker count the run will use.
	Concurrency int
	// Confirmed is set when the operator forced confirmation up front.
	Confirmed bool
	DryRun    bool
}

// PreflightResult is the outcome of one preflight evaluation. Blockers stop
// an apply run; a dry run proceeds regardless but keeps the blockers
// visible.
type PreflightResult struct {
	Allowed              bool     `json:"allowed"`
	Scope                string   `json:"scope"`
	Blockers             []string `json:"blockers,omitempty"`
	Warnings             []string `json:"warnings,omitempty"`
	Recommendations      []string `json:"recommendations,omitempty"`
	RequiresConfirmation bool     `json:"requiresConfirmation"`
}

// Status is the process-wide safety posture, reset at startup.
type Status struct {
	Circuit            BreakerStatus `json:"circuit"`
	MaintenancePosture string        `json:"maintenancePosture"`
	AllowlistEnabled   bool          `json:"allowlistEnabled"`
}

// dayRange is a precompiled window slice on a single weekday, minutes since
// midnight, end exclusive. Windows crossing midnight compile into two
// ranges.
type dayRange struct {
	day        time.Weekday
	start, end int
}

// Controller performs preflight checks and gates individual action attempts
// through the circuit breaker and rate limiter.
type Controller struct {
	config  Config
	breaker *CircuitBreaker
	limiter *rate.Limiter
	ranges  []dayRange
	loc     *time.Location
	allowed map[string]bool
	nowFn   func() time.Time
	log     logger.Logger
}

// NewController compiles the config into a controller. The breaker starts
// CLOSED and the limiter full.
func NewController(config Config) (*Controller, error) {
	loc := time.UTC
	if config.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(config.Timezone)
		if err != nil {
			return nil, apperrors.NewConfigError(fmt.Sprintf("unknown timezone %q", config.Timezone), err)
		}
	}

	ranges, err := compileWindows(config.MaintenanceWindows)
	if err != nil {
		return nil, err
	}

	allowed := make(map[string]bool, len(config.AllowedIntegrations))
	for _, id := range config.AllowedIntegrations {
		allowed[id] = true
	}

	rps := config.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := config.BurstLimit
	if burst <= 0 {
		burst = 10
	}

	return &Controller{
		config: config,
		breaker: NewCircuitBreaker(BreakerConfig{
			FailureThreshold: config.FailureThreshold,
			RecoveryTimeout:  time.Duration(config.RecoveryTimeout),
			HalfOpenMaxCalls: config.HalfOpenMaxCalls,
		}),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		ranges:  ranges,
		loc:     loc,
		allowed: allowed,
		nowFn:   time.Now,
		log:     logger.New("safety"),
	}, nil
}

func compileWindows(specs []WindowSpec) ([]dayRange, error) {
	var ranges []dayRange
	for _, spec := range specs {
		start, err := parseHHMM(spec.Start)
		if err != nil {
			return nil, err
		}
		end, err := parseHHMM(spec.End)
		if err != nil {
			return nil, err
		}
		if start == end {
			continue
		}
		for _, name := range spec.Days {
			day, ok := weekdayTable[normalizeDay(name)]
			if !ok {
				return nil, apperrors.NewConfigError(fmt.Sprintf("unknown weekday %q", name), nil)
			}
			if start < end {
				ranges = append(ranges, dayRange{day: day, start: start, end: end})
				continue
			}
			// 22:00-02:00 covers the tail of this day and the head of the
			// next.
			ranges = append(ranges, dayRange{day: day, start: start, end: 24 * 60})
			ranges = append(ranges, dayRange{day: (day + 1) % 7, start: 0, end: end})
		}
	}
	return ranges, nil
}

func normalizeDay(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}

// PerformPreflightCheck evaluates every gate in order: circuit breaker,
// allowlist, maintenance window, per-integration cap, total cap, concurrency
// cap, confirmation thresholds. Caps within 80% of their limit warn instead
// of block.
func (c *Controller) PerformPreflightCheck(req PreflightRequest) PreflightResult {
	totalOps := 0
	destructiveOps := 0
	highRiskPlans := 0
	maxPlanOps := 0
	for _, plan := range req.Plans {
		totalOps += len(plan.Actions)
		if len(plan.Actions) > maxPlanOps {
			maxPlanOps = len(plan.Actions)
		}
		for _, action := range plan.Actions {
			if action.Type.Destructive() {
				destructiveOps++
			}
		}
		if plan.Summary.RiskLevel == models.SeverityHigh || plan.Summary.RiskLevel == models.SeverityCritical {
			highRiskPlans++
		}
	}

	result := PreflightResult{
		Scope: fmt.Sprintf("%d integrations, %d operations", len(req.IntegrationIDs), totalOps),
	}

	if state := c.breaker.State(); state == StateOpen {
		result.Blockers = append(result.Blockers, ErrCircuitOpen.Error())
	}

	if c.config.AllowlistEnabled {
		for _, id := range req.IntegrationIDs {
			if !c.allowed[id] {
				result.Blockers = append(result.Blockers,
					fmt.Sprintf("integration %s is not on the allowlist", id))
			}
		}
	}

	now := c.nowFn().In(c.loc)
	inWindow := c.inMaintenanceWindow(now)
	if len(c.ranges) > 0 && !inWindow {
		if c.config.EnforceMaintenanceWindow {
			result.Blockers = append(result.Blockers,
				fmt.Sprintf("outside the maintenance window (now %s %s)",
					now.Weekday(), now.Format("15:04")))
		} else {
			result.Recommendations = append(result.Recommendations,
				"run during a configured maintenance window")
		}
	}

	result.Blockers, result.Warnings = capCheck(result.Blockers, result.Warnings,
		maxPlanOps, c.config.MaxOpsPerIntegration, "operations for a single integration")
	result.Blockers, result.Warnings = capCheck(result.Blockers, result.Warnings,
		totalOps, c.config.MaxTotalOperations, "total operations")
	result.Blockers, result.Warnings = capCheck(result.Blockers, result.Warnings,
		req.Concurrency, c.config.MaxConcurrentIntegrations, "concurrent integrations")

	if destructiveOps >= c.config.ConfirmDestructiveThreshold ||
		totalOps >= c.config.ConfirmTotalThreshold ||
		highRiskPlans >= c.config.ConfirmHighRiskThreshold {
		result.RequiresConfirmation = true
		if !req.Confirmed && !req.DryRun {
			result.Blockers = append(result.Blockers, fmt.Sprintf(
				"confirmation required: %d destructive, %d total operations, %d high-risk plans",
				destructiveOps, totalOps, highRiskPlans))
		} else if req.Confirmed {
			result.Warnings = append(result.Warnings, fmt.Sprintf(
				"confirmation forced for %d destructive operations", destructiveOps))
		}
	}

	if !req.DryRun && destructiveOps > 0 {
		result.Recommendations = append(result.Recommendations, "run with --dry-run first")
	}
	if totalOps > c.config.MaxTotalOperations/2 {
		result.Recommendations = append(result.Recommendations, "reduce the batch size")
	}
	if !c.config.AllowlistEnabled && len(req.IntegrationIDs) > 10 {
		result.Recommendations = append(result.Recommendations,
			"use an allowlist to narrow the batch")
	}

	// A dry run surfaces blockers but is never rejected.
	result.Allowed = req.DryRun || len(result.Blockers) == 0
	if !result.Allowed {
		c.log.Warn("preflight rejected",
			logger.String("operator_id", req.OperatorID),
			logger.Int("blockers", len(result.Blockers)))
	}
	return result
}

func capCheck(blockers, warnings []string, value, limit int, what string) ([]string, []string) {
	if limit <= 0 {
		return blockers, warnings
	}
	switch {
	case value > limit:
		blockers = append(blockers, fmt.Sprintf("%d %s exceeds the limit of %d", value, what, limit))
	case value*5 >= limit*4: // >= 80%
		warnings = append(warnings, fmt.Sprintf("%d %s is within 80%% of the limit of %d", value, what, limit))
	}
	return blockers, warnings
}

func (c *Controller) inMaintenanceWindow(now time.Time) bool {
	if len(c.ranges) == 0 {
		return true
	}
	minutes := now.Hour()*60 + now.Minute()
	for _, r := range c.ranges {
		if r.day == now.Weekday() && minutes >= r.start && minutes < r.end {
			return true
		}
	}
	return false
}

// AllowedAccount reports whether an account email passes the account
// allowlist; an empty list admits everyone.
func (c *Controller) AllowedAccount(email string) bool {
	if !c.config.AllowlistEnabled || len(c.config.AllowedAccounts) == 0 {
		return true
	}
	for _, a := range c.config.AllowedAccounts {
		if a == email {
			return true
		}
	}
	return false
}

// CanProceed admits one action attempt: the breaker must not reject it and a
// rate-limiter token must be available before the context ends.
func (c *Controller) CanProceed(ctx context.Context) error {
	if err := c.breaker.Allow(); err != nil {
		return apperrors.NewSafetyError(err.Error())
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for rate limiter: %w", err)
	}
	return nil
}

// RecordSuccess feeds one successful executor call to the breaker.
func (c *Controller) RecordSuccess() { c.breaker.RecordSuccess() }

// RecordFailure feeds one failed executor call to the breaker.
func (c *Controller) RecordFailure() { c.breaker.RecordFailure() }

// CurrentStatus reports the breaker and maintenance posture.
func (c *Controller) CurrentStatus() Status {
	posture := "no maintenance window configured"
	if len(c.ranges) > 0 {
		if c.inMaintenanceWindow(c.nowFn().In(c.loc)) {
			posture = "inside maintenance window"
		} else {
			posture = "outside maintenance window"
		}
	}
	return Status{
		Circuit:            c.breaker.Status(),
		MaintenancePosture: posture,
		AllowlistEnabled:   c.config.AllowlistEnabled,
	}
}

// Reset clears the breaker at session startup.
func (c *Controller) Reset() { c.breaker.Reset() }
