// Package session orchestrates a full run: stream snapshots, detect
// corruption, plan remediation, gate execution behind the safety controller,
// and leave a complete session directory behind.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/catherinevee/integraudit/internal/apperrors"
	"github.com/catherinevee/integraudit/internal/audit"
	"github.com/catherinevee/integraudit/internal/config"
	"github.com/catherinevee/integraudit/internal/detector"
	"github.com/catherinevee/integraudit/internal/ingest"
	"github.com/catherinevee/integraudit/internal/logger"
	"github.com/catherinevee/integraudit/internal/models"
	"github.com/catherinevee/integraudit/internal/remediation"
	"github.com/catherinevee/integraudit/internal/safety"
	"github.com/catherinevee/integraudit/internal/state"
)

// Mode selects how far a session goes.
type Mode int

const (
	// ModeAudit detects and reports, nothing more.
	ModeAudit Mode = iota
	// ModeFix plans remediation and executes or dry-runs it.
	ModeFix
)

// Options configure one session run.
type Options struct {
	Mode      Mode
	InputDir  string
	OutputDir string
	ConfigDir string

	Product string
	Version string
	Edition string

	OperatorID string
	DryRun     bool

	MaxOpsPerIntegration int
	MaxConcurrent        int
	BatchSize            int

	// StopOnFailure skips a plan's remaining actions after the first
	// failure. Plans with destructive actions default to this behavior;
	// ContinueOnFailure turns that default off.
	StopOnFailure     bool
	ContinueOnFailure bool

	ForceReprocess bool
	MaxAgeHours    int

	CreateRestoreBundle bool
	BundleDescription   string
	Confirmed           bool

	// Executor applies actions against the external system. Required for a
	// non-dry-run ModeFix session.
	Executor remediation.Executor
}

// IntegrationReport is the per-integration section of the session report.
type IntegrationReport struct {
	IntegrationID  string                     `json:"integrationId"`
	Email          string                     `json:"email,omitempty"`
	Skipped        bool                       `json:"skipped,omitempty"`
	SkipReason     string                     `json:"skipReason,omitempty"`
	Events         []models.CorruptionEvent   `json:"events,omitempty"`
	Notes          []remediation.AnalysisNote `json:"notes,omitempty"`
	PlanID         string                     `json:"planId,omitempty"`
	ActionsPlanned int                        `json:"actionsPlanned"`
	Execution      *models.ExecutionResult    `json:"execution,omitempty"`
}

// Summary is the end-of-run report.
type Summary struct {
	SessionID             string              `json:"sessionId"`
	SessionDir            string              `json:"sessionDir"`
	OperatorID            string              `json:"operatorId"`
	DryRun                bool                `json:"dryRun"`
	StartedAt             time.Time           `json:"startedAt"`
	Duration              time.Duration       `json:"duration"`
	IntegrationsProcessed int                 `json:"integrationsProcessed"`
	IntegrationsSkipped   int                 `json:"integrationsSkipped"`
	EventsByType          map[string]int      `json:"eventsByType"`
	EventsBySeverity      map[string]int      `json:"eventsBySeverity"`
	ActionsPlanned        int                 `json:"actionsPlanned"`
	ActionsExecuted       int                 `json:"actionsExecuted"`
	ActionsFailed         int                 `json:"actionsFailed"`
	ActionsSkipped        int                 `json:"actionsSkipped"`
	ErrorKinds            map[string]int          `json:"errorKinds"`
	BundleID              string                  `json:"bundleId,omitempty"`
	Preflight             *safety.PreflightResult `json:"preflight,omitempty"`
	Integrations          []IntegrationReport     `json:"integrations"`
}

// Blocked reports whether the run was rejected by preflight.
func (s *Summary) Blocked() bool {
	return s.Preflight != nil && !s.Preflight.Allowed
}

// Orchestrator wires the pipeline together for one session.
type Orchestrator struct {
	opts       Options
	loader     *config.Loader
	safetyCtrl *safety.Controller
	store      *state.Store
	log        logger.Logger
}

// New builds an orchestrator from explicitly constructed collaborators.
func New(opts Options, loader *config.Loader, safetyCtrl *safety.Controller, store *state.Store) *Orchestrator {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.MaxOpsPerIntegration <= 0 {
		opts.MaxOpsPerIntegration = 50
	}
	return &Orchestrator{
		opts:       opts,
		loader:     loader,
		safetyCtrl: safetyCtrl,
		store:      store,
		log:        logger.New("session"),
	}
}

// pipelineResult carries one integration through detection and planning.
type pipelineResult struct {
	snapshot *models.IntegrationSnapshot
	report   IntegrationReport
	plan     *models.ExecutionPlan
	actions  []models.ExecutionAction
	events   []models.CorruptionEvent
}

// Run executes the whole session and returns the summary. Config and ingest
// failures abort; everything downstream is isolated per integration.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	sessionID := "session-" + start.UTC().Format("20060102-150405")
	sessionDir := filepath.Join(o.opts.OutputDir, sessionID)

	for _, sub := range []string{"reports", "remediation-plan", "remediation-scripts", "logs",
		filepath.Join("audit", "daily"), filepath.Join("audit", "restore-bundles")} {
		if err := os.MkdirAll(filepath.Join(sessionDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating session directory: %w", err)
		}
	}

	summary := &Summary{
		SessionID:        sessionID,
		SessionDir:       sessionDir,
		OperatorID:       o.opts.OperatorID,
		DryRun:           o.opts.DryRun,
		StartedAt:        start.UTC(),
		EventsByType:     make(map[string]int),
		EventsBySeverity: make(map[string]int),
		ErrorKinds:       make(map[string]int),
	}

	rules, err := o.loader.LoadBusinessRules(o.opts.Product, o.opts.Version)
	if err != nil {
		return nil, err
	}
	logic, err := o.loader.LoadRemediationLogic()
	if err != nil {
		return nil, err
	}
	engine, err := remediation.NewEngine(logic)
	if err != nil {
		return nil, err
	}
	det := detector.New(rules)

	auditLog, err := audit.NewLogger(filepath.Join(sessionDir, "audit", "daily"),
		sessionID, o.opts.OperatorID)
	if err != nil {
		return nil, err
	}

	results, err := o.detectAndPlan(ctx, det, engine, summary)
	if err != nil {
		return nil, err
	}
	o.aggregate(summary, results)

	if o.opts.Mode == ModeFix {
		if err := o.executePhase(ctx, sessionDir, results, summary, auditLog); err != nil {
			return nil, err
		}
	}

	for _, r := range results {
		summary.Integrations = append(summary.Integrations, r.report)
	}
	summary.Duration = time.Since(start)

	if err := o.writeReport(sessionDir, summary); err != nil {
		o.log.Error("writing session report", logger.Err(err))
	}
	return summary, nil
}

// detectAndPlan streams snapshots through a bounded channel into
// maxConcurrent workers, each running detection and (in fix mode) planning.
func (o *Orchestrator) detectAndPlan(ctx context.Context, det *detector.Detector,
	engine *remediation.Engine, summary *Summary) ([]*pipelineResult, error) {

	snapshots := make(chan *models.IntegrationSnapshot, o.opts.MaxConcurrent*2)
	ingestor := ingest.New(o.opts.InputDir)

	ingestErr := make(chan error, 1)
	go func() {
		ingestErr <- ingestor.Stream(ctx, snapshots)
	}()

	var (
		mu      sync.Mutex
		results []*pipelineResult
		skipped int
		taken   int
		wg      sync.WaitGroup
	)

	for i := 0; i < o.opts.MaxConcurrent; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for snapshot := range snapshots {
				mu.Lock()
				if o.opts.BatchSize > 0 && taken >= o.opts.BatchSize {
					mu.Unlock()
					continue
				}
				taken++
				mu.Unlock()

				result := o.processIntegration(ctx, det, engine, snapshot)

				mu.Lock()
				if result.report.Skipped {
					skipped++
				}
				results = append(results, result)
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	if err := <-ingestErr; err != nil {
		return nil, err
	}

	// Workers finish in arbitrary order; the report stays deterministic.
	sort.Slice(results, func(i, j int) bool {
		return results[i].report.IntegrationID < results[j].report.IntegrationID
	})
	summary.IntegrationsSkipped = skipped
	return results, nil
}

// processIntegration runs one snapshot through the pipeline. Failures here
// never leave the integration.
func (o *Orchestrator) processIntegration(ctx context.Context, det *detector.Detector,
	engine *remediation.Engine, snapshot *models.IntegrationSnapshot) *pipelineResult {

	result := &pipelineResult{
		snapshot: snapshot,
		report: IntegrationReport{
			IntegrationID: snapshot.ID,
			Email:         snapshot.Email,
		},
	}

	if !o.safetyCtrl.AllowedAccount(snapshot.Email) {
		result.report.Skipped = true
		result.report.SkipReason = "account not on the allowlist"
		return result
	}

	if o.store != nil {
		reprocess, err := o.store.ShouldReprocess(ctx, snapshot.ID, o.opts.OperatorID,
			o.opts.MaxAgeHours, o.opts.ForceReprocess)
		if err != nil {
			o.log.Warn("state lookup failed, processing anyway",
				logger.String("integration_id", snapshot.ID), logger.Err(err))
		} else if !reprocess {
			result.report.Skipped = true
			result.report.SkipReason = "processed recently"
			return result
		}
	}

	auditResult := det.Detect(snapshot)
	result.events = auditResult.Events
	result.report.Events = auditResult.Events

	if o.opts.Mode != ModeFix || !auditResult.HasCorruption() {
		status := "clean"
		if auditResult.HasCorruption() {
			status = "audited"
		}
		o.recordState(ctx, snapshot.ID, status, auditResult.Events, nil)
		return result
	}

	edition := o.opts.Edition
	if edition == "" {
		edition = snapshot.LicenseEdition
	}
	gen := engine.GenerateActions(auditResult.Events, remediation.RunContext{
		IntegrationID:        snapshot.ID,
		Email:                snapshot.Email,
		StoreCount:           snapshot.StoreCount,
		Edition:              edition,
		OperatorID:           o.opts.OperatorID,
		DryRun:               o.opts.DryRun,
		MaxOpsPerIntegration: o.opts.MaxOpsPerIntegration,
		Snapshot:             snapshot,
	})
	result.report.Notes = gen.BusinessAnalysis.Notes
	result.actions = gen.Actions

	if len(gen.Actions) == 0 {
		o.recordState(ctx, snapshot.ID, "planned", auditResult.Events, nil)
		return result
	}

	result.plan = remediation.CreateExecutionPlan(snapshot.ID, gen, remediation.PlannerOptions{
		MaxOpsPerIntegration: o.opts.MaxOpsPerIntegration,
		AbortOnFirstFailure:  o.opts.StopOnFailure,
		ContinueOnFailure:    o.opts.ContinueOnFailure,
	})
	result.report.PlanID = result.plan.PlanID
	result.report.ActionsPlanned = len(result.plan.Actions)
	return result
}

// executePhase runs preflight over every plan, snapshots a restore bundle,
// then executes plans with bounded parallelism.
func (o *Orchestrator) executePhase(ctx context.Context, sessionDir string,
	results []*pipelineResult, summary *Summary, auditLog *audit.Logger) error {

	var (
		ids   []string
		plans []*models.ExecutionPlan
	)
	planned := make([]*pipelineResult, 0, len(results))
	for _, r := range results {
		if r.plan == nil {
			continue
		}
		ids = append(ids, r.report.IntegrationID)
		plans = append(plans, r.plan)
		planned = append(planned, r)
	}

	preflight := o.safetyCtrl.PerformPreflightCheck(safety.PreflightRequest{
		IntegrationIDs: ids,
		Plans:          plans,
		OperatorID:     o.opts.OperatorID,
		Concurrency:    o.opts.MaxConcurrent,
		Confirmed:      o.opts.Confirmed,
		DryRun:         o.opts.DryRun,
	})
	summary.Preflight = &preflight

	for _, r := range planned {
		o.writePlanArtifacts(sessionDir, r)
	}

	if !preflight.Allowed {
		o.log.Warn("preflight rejected the run",
			logger.Int("blockers", len(preflight.Blockers)))
		return nil
	}
	if len(planned) == 0 {
		return nil
	}

	if o.opts.CreateRestoreBundle && !o.opts.DryRun {
		bundleID, err := o.createBundle(sessionDir, planned)
		if err != nil {
			o.log.Error("creating restore bundle", logger.Err(err))
		} else {
			summary.BundleID = bundleID
		}
	}

	if !o.opts.DryRun && o.opts.Executor == nil {
		return apperrors.New(apperrors.KindConfiguration, apperrors.SeverityCritical,
			"apply run requires an executor")
	}

	sem := make(chan struct{}, o.opts.MaxConcurrent)
	var wg sync.WaitGroup
	for _, r := range planned {
		wg.Add(1)
		go func(r *pipelineResult) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			planID := r.plan.PlanID
			execResult := remediation.ExecutePlan(ctx, r.plan, o.opts.Executor, o.safetyCtrl,
				remediation.ExecOptions{
					DryRun:        o.opts.DryRun,
					StopOnFailure: o.opts.StopOnFailure,
					OnAction: func(action models.ExecutionAction, outcome models.ActionOutcome,
						status string, dryRun bool) {
						auditLog.LogAction(planID, action, outcome, status, dryRun)
					},
				})
			auditLog.LogExecutionResult(execResult)
			r.report.Execution = execResult

			status := string(execResult.Status)
			if o.opts.DryRun {
				status = "planned"
			}
			o.recordState(ctx, r.report.IntegrationID, status, r.events, r.actions)
		}(r)
	}
	wg.Wait()

	for _, r := range planned {
		if exec := r.report.Execution; exec != nil {
			summary.ActionsExecuted += len(exec.Executed)
			summary.ActionsFailed += len(exec.Failed)
			summary.ActionsSkipped += len(exec.Skipped)
			for range exec.Failed {
				summary.ErrorKinds["executor"]++
			}
		}
	}
	return nil
}

func (o *Orchestrator) createBundle(sessionDir string, planned []*pipelineResult) (string, error) {
	store, err := audit.NewBundleStore(filepath.Join(sessionDir, "audit", "restore-bundles"),
		filepath.Base(sessionDir), o.opts.OperatorID)
	if err != nil {
		return "", err
	}
	records := make(map[string]audit.IntegrationRecord, len(planned))
	for _, r := range planned {
		records[r.report.IntegrationID] = audit.IntegrationRecord{
			Snapshot: r.snapshot,
			Events:   r.events,
			Actions:  r.plan.Actions,
		}
	}
	description := o.opts.BundleDescription
	if description == "" {
		description = "pre-remediation state"
	}
	return store.CreateRestoreBundle(records, description)
}

func (o *Orchestrator) recordState(ctx context.Context, integrationID, status string,
	events []models.CorruptionEvent, actions []models.ExecutionAction) {

	if o.store == nil {
		return
	}
	err := o.store.Record(ctx, state.Record{
		OperatorID:    o.opts.OperatorID,
		IntegrationID: integrationID,
		Status:        status,
		ResultHash: state.HashResult(map[string]interface{}{
			"events":  events,
			"actions": actions,
		}),
		EventCount:  len(events),
		ActionCount: len(actions),
	})
	if err != nil {
		o.log.Warn("recording processing state",
			logger.String("integration_id", integrationID), logger.Err(err))
	}
}

func (o *Orchestrator) aggregate(summary *Summary, results []*pipelineResult) {
	for _, r := range results {
		if r.report.Skipped {
			continue
		}
		summary.IntegrationsProcessed++
		for _, event := range r.events {
			summary.EventsByType[event.CorruptionType]++
			summary.EventsBySeverity[string(event.Severity)]++
			if event.CorruptionType == models.CorruptionIngestWarning {
				summary.ErrorKinds["ingest"]++
			}
			if event.CorruptionType == models.CorruptionDetectorInternal {
				summary.ErrorKinds["detector"]++
			}
		}
		for _, note := range r.report.Notes {
			summary.ErrorKinds[note.Kind]++
		}
		summary.ActionsPlanned += len(r.actions)
	}
}

func (o *Orchestrator) writePlanArtifacts(sessionDir string, r *pipelineResult) {
	planPath := filepath.Join(sessionDir, "remediation-plan", r.report.IntegrationID+".json")
	if data, err := json.MarshalIndent(r.plan, "", "  "); err == nil {
		if err := os.WriteFile(planPath, data, 0o644); err != nil {
			o.log.Error("writing plan artifact", logger.Err(err))
		}
	}

	script := renderScript(r.plan)
	scriptPath := filepath.Join(sessionDir, "remediation-scripts", r.report.IntegrationID+".txt")
	if err := os.WriteFile(scriptPath, []byte(script), 0o644); err != nil {
		o.log.Error("writing remediation script", logger.Err(err))
	}
}

// renderScript produces the human-reviewable remediation steps for one
// integration.
func renderScript(plan *models.ExecutionPlan) string {
	out := fmt.Sprintf("# Remediation plan %s for integration %s\n# Risk: %s, estimated duration: %s\n\n",
		plan.PlanID, plan.IntegrationID, plan.Summary.RiskLevel, plan.Summary.EstimatedDuration)
	for i, action := range plan.Actions {
		out += fmt.Sprintf("%d. %s %s", i+1, action.Type, action.Target.Type)
		if action.Target.ResourceID != "" {
			out += " " + action.Target.ResourceID
		}
		if action.Metadata.Reason != "" {
			out += "  # " + action.Metadata.Reason
		}
		out += "\n"
	}
	if rb := plan.Safety.RollbackPlan; rb != nil {
		out += fmt.Sprintf("\n# Rollback: %d actions", len(rb.Actions))
		if rb.Partial {
			out += " (partial)"
		}
		out += "\n"
	}
	return out
}

func (o *Orchestrator) writeReport(sessionDir string, summary *Summary) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(sessionDir, "reports", "report.json"), data, 0o644)
}

// SimulatedExecutor stands in when no remote mutation engine is configured:
// every action is acknowledged without side effects. Apply runs against a
// real fleet inject their own Executor instead.
type SimulatedExecutor struct{}

func (SimulatedExecutor) ExecuteAction(ctx context.Context, action models.ExecutionAction) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
