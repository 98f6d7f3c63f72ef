package models

// Severity ranks corruption events. Ordering: critical > high > medium > low.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Rank returns a comparable ordinal for the severity.
func (s Severity) Rank() int { return severityRank[s] }

// Max returns the higher of two severities.
func (s Severity) Max(other Severity) Severity {
	if other.Rank() > s.Rank() {
		return other
	}
	return s
}

// Corruption types emitted by the detector.
const (
	CorruptionInvalidLicenseEdition  = "invalid-license-edition"
	CorruptionSettingsTooLarge       = "settings-too-large"
	CorruptionLicenseEditionMismatch = "license-edition-mismatch"
	CorruptionMissingProperty        = "missing-required-property"
	CorruptionImportsCountMismatch   = "imports-count-mismatch"
	CorruptionExportsCountMismatch   = "exports-count-mismatch"
	CorruptionFlowsCountMismatch     = "flows-count-mismatch"
	CorruptionMissingResource        = "missing-required-resource"
	CorruptionOfflineConnection      = "offline-connection"
	CorruptionStuckUpdate            = "stuck-in-update-process"
	CorruptionIngestWarning          = "ingest-warning"
	CorruptionDetectorInternal       = "detector-internal"
)

// CorruptionEvent is one detected business-rule violation.
type CorruptionEvent struct {
	IntegrationID    string                 `json:"integrationId"`
	CorruptionType   string                 `json:"corruptionType"`
	Severity         Severity               `json:"severity"`
	Evidence         map[string]interface{} `json:"evidence,omitempty"`
	SuggestedActions []string               `json:"suggestedActions,omitempty"`
}

// AuditResult is the detector output for one snapshot.
type AuditResult struct {
	IntegrationID   string            `json:"integrationId"`
	Events          []CorruptionEvent `json:"corruptionEvents"`
	OverallSeverity Severity          `json:"overallSeverity"`
}

// HasCorruption reports whether any events were detected.
func (r *AuditResult) HasCorruption() bool { return len(r.Events) > 0 }

// CountByType returns event counts keyed by corruption type.
func (r *AuditResult) CountByType() map[string]int {
	counts := make(map[string]int, len(r.Events))
	for _, e := range r.Events {
		counts[e.CorruptionType]++
	}
	return counts
}
