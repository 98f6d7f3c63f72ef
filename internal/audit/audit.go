// Package audit writes the append-only trail of every attempted action as
// single-line JSON records in daily files, plus per-plan summary lines and
// restore bundles for later rollback.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/catherinevee/integraudit/internal/logger"
	"github.com/catherinevee/integraudit/internal/models"
)

// Entry is one audit record. Before/after/diff make every mutation
// reconstructible from the trail alone.
type Entry struct {
	Timestamp      time.Time           `json:"timestamp"`
	SessionID      string              `json:"sessionId"`
	OperatorID     string              `json:"operatorId"`
	PlanID         string              `json:"planId,omitempty"`
	ActionID       string              `json:"actionId"`
	IntegrationID  string              `json:"integrationId"`
	ActionType     string              `json:"actionType"`
	CorruptionType string              `json:"corruptionType,omitempty"`
	Target         models.ActionTarget `json:"target"`
	Status         string              `json:"status"` // executed | failed | skipped
	DryRun         bool                `json:"dryRun"`
	Attempts       int                 `json:"attempts,omitempty"`
	Error          string              `json:"error,omitempty"`
	Before         interface{}         `json:"before,omitempty"`
	After          interface{}         `json:"after,omitempty"`
	Diff           []models.DiffOp     `json:"diff,omitempty"`
}

// Summary is one per-plan line in the rolling summary file.
type Summary struct {
	Timestamp     time.Time              `json:"timestamp"`
	SessionID     string                 `json:"sessionId"`
	OperatorID    string                 `json:"operatorId"`
	PlanID        string                 `json:"planId"`
	IntegrationID string                 `json:"integrationId"`
	Status        models.ExecutionStatus `json:"status"`
	DryRun        bool                   `json:"dryRun"`
	Executed      int                    `json:"executed"`
	Failed        int                    `json:"failed"`
	Skipped       int                    `json:"skipped"`
	Duration      time.Duration          `json:"duration"`
}

const (
	dailyLayout = "2006-01-02"
	summaryFile = "summary.log"
)

// Logger appends audit records under dir (daily files named YYYY-MM-DD.log)
// and summaries to summary.log alongside them. One mutex serializes all
// appends; an append error is retried once and then only reported to stderr,
// never up the call stack.
type Logger struct {
	dir        string
	sessionID  string
	operatorID string

	mu    sync.Mutex
	nowFn func() time.Time
	log   logger.Logger
}

// NewLogger creates the audit directory and returns a writer bound to one
// session and operator.
func NewLogger(dir, sessionID, operatorID string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating audit directory %s: %w", dir, err)
	}
	return &Logger{
		dir:        dir,
		sessionID:  sessionID,
		operatorID: operatorID,
		nowFn:      time.Now,
		log:        logger.New("audit"),
	}, nil
}

// LogAction records one attempted action, dry-run included.
func (l *Logger) LogAction(planID string, action models.ExecutionAction,
	outcome models.ActionOutcome, status string, dryRun bool) {

	now := l.nowFn().UTC()
	entry := Entry{
		Timestamp:      now,
		SessionID:      l.sessionID,
		OperatorID:     l.operatorID,
		PlanID:         planID,
		ActionID:       action.ID,
		IntegrationID:  action.IntegrationID,
		ActionType:     string(action.Type),
		CorruptionType: action.CorruptionType,
		Target:         action.Target,
		Status:         status,
		DryRun:         dryRun,
		Attempts:       outcome.Attempts,
		Error:          outcome.Error,
		Before:         action.Payload.Before,
		After:          action.Payload.After,
		Diff:           action.Payload.Diff,
	}
	l.appendJSON(filepath.Join(l.dir, now.Format(dailyLayout)+".log"), entry)
}

// LogExecutionResult appends one summary line for a finished plan.
func (l *Logger) LogExecutionResult(result *models.ExecutionResult) {
	now := l.nowFn().UTC()
	l.appendJSON(filepath.Join(l.dir, summaryFile), Summary{
		Timestamp:     now,
		SessionID:     l.sessionID,
		OperatorID:    l.operatorID,
		PlanID:        result.PlanID,
		IntegrationID: result.IntegrationID,
		Status:        result.Status,
		DryRun:        result.DryRun,
		Executed:      len(result.Executed),
		Failed:        len(result.Failed),
		Skipped:       len(result.Skipped),
		Duration:      result.Duration,
	})
}

func (l *Logger) appendJSON(path string, record interface{}) {
	data, err := json.Marshal(record)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit: marshaling record: %v\n", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := appendLine(path, data); err != nil {
		// One retry covers transient fd exhaustion; a second failure must
		// not abort execution.
		if err = appendLine(path, data); err != nil {
			fmt.Fprintf(os.Stderr, "audit: appending to %s: %v\n", path, err)
		}
	}
}

func appendLine(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// QueryFilter selects audit entries. Zero fields match everything; Limit<=0
// means no limit.
type QueryFilter struct {
	IntegrationID string
	OperatorID    string
	SessionID     string
	PlanID        string
	ActionType    string
	Status        string
	StartTime     time.Time
	EndTime       time.Time
	Limit         int
	Offset        int
}

// QueryLogs scans only the daily files the filter's time range can touch and
// returns matching entries in file order. Malformed lines are skipped.
func (l *Logger) QueryLogs(filter QueryFilter) ([]Entry, error) {
	files, err := l.candidateFiles(filter)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	skipped := filter.Offset
	for _, path := range files {
		done, err := scanFile(path, filter, &entries, &skipped)
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
	}
	return entries, nil
}

// candidateFiles lists daily files intersecting the filter's time range,
// sorted by date.
func (l *Logger) candidateFiles(filter QueryFilter) ([]string, error) {
	dirEntries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading audit directory: %w", err)
	}

	var files []string
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || filepath.Ext(name) != ".log" || name == summaryFile {
			continue
		}
		day, err := time.Parse(dailyLayout, name[:len(name)-len(".log")])
		if err != nil {
			continue
		}
		if !filter.StartTime.IsZero() && day.Add(24*time.Hour).Before(filter.StartTime) {
			continue
		}
		if !filter.EndTime.IsZero() && day.After(filter.EndTime) {
			continue
		}
		files = append(files, filepath.Join(l.dir, name))
	}
	sort.Strings(files)
	return files, nil
}

func scanFile(path string, filter QueryFilter, entries *[]Entry, skip *int) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("opening audit file %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if !matches(entry, filter) {
			continue
		}
		if *skip > 0 {
			*skip--
			continue
		}
		*entries = append(*entries, entry)
		if filter.Limit > 0 && len(*entries) >= filter.Limit {
			return true, nil
		}
	}
	return false, scanner.Err()
}

func matches(entry Entry, filter QueryFilter) bool {
	if filter.IntegrationID != "" && entry.IntegrationID != filter.IntegrationID {
		return false
	}
	if filter.OperatorID != "" && entry.OperatorID != filter.OperatorID {
		return false
	}
	if filter.SessionID != "" && entry.SessionID != filter.SessionID {
		return false
	}
	if filter.PlanID != "" && entry.PlanID != filter.PlanID {
		return false
	}
	if filter.ActionType != "" && entry.ActionType != filter.ActionType {
		return false
	}
	if filter.Status != "" && entry.Status != filter.Status {
		return false
	}
	if !filter.StartTime.IsZero() && entry.Timestamp.Before(filter.StartTime) {
		return false
	}
	if !filter.EndTime.IsZero() && entry.Timestamp.After(filter.EndTime) {
		return false
	}
	return true
}

// Inverter computes the rollback action for a forward action; ok=false means
// the action cannot be inverted.
type Inverter func(models.ExecutionAction) (models.ExecutionAction, bool)

// GenerateRollbackActions reverses the successfully executed (non-dry-run)
// entries for one integration in [start, end], newest first, and emits their
// inverse actions. Non-invertible entries are skipped.
func (l *Logger) GenerateRollbackActions(integrationID string, start, end time.Time,
	invert Inverter) ([]models.ExecutionAction, error) {

	entries, err := l.QueryLogs(QueryFilter{
		IntegrationID: integrationID,
		Status:        "executed",
		StartTime:     start,
		EndTime:       end,
	})
	if err != nil {
		return nil, err
	}

	var actions []models.ExecutionAction
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		if entry.DryRun {
			continue
		}
		forward := models.ExecutionAction{
			ID:             entry.ActionID,
			IntegrationID:  entry.IntegrationID,
			Type:           models.ActionType(entry.ActionType),
			Target:         entry.Target,
			CorruptionType: entry.CorruptionType,
			Payload: models.ActionPayload{
				Before: entry.Before,
				After:  entry.After,
				Diff:   entry.Diff,
			},
			Metadata: models.ActionMetadata{Rollbackable: true},
		}
		if inverse, ok := invert(forward); ok {
			actions = append(actions, inverse)
		}
	}
	return actions, nil
}
