// Package detector evaluates business rules against integration snapshots
// and emits corruption events. Detection is a pure function of the snapshot
// and the loaded ruleset.
package detector

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/catherinevee/integraudit/internal/config"
	"github.com/catherinevee/integraudit/internal/logger"
	"github.com/catherinevee/integraudit/internal/models"
)

// Detector runs the rule categories in a fixed order.
type Detector struct {
	rules *config.BusinessRules
	log   logger.Logger
}

// New creates a detector over a loaded ruleset.
func New(rules *config.BusinessRules) *Detector {
	return &Detector{rules: rules, log: logger.New("detector")}
}

// Detect evaluates all rule categories against one snapshot. Panics inside
// rule evaluation are recovered into a detector-internal event so one bad
// snapshot never takes down the session.
func (d *Detector) Detect(snapshot *models.IntegrationSnapshot) (result models.AuditResult) {
	result.IntegrationID = snapshot.ID
	result.OverallSeverity = models.SeverityLow

	defer func() {
		if r := recover(); r != nil {
			d.log.Error("detector panic recovered",
				logger.String("integration_id", snapshot.ID),
				logger.Any("panic", r))
			result.Events = append(result.Events, models.CorruptionEvent{
				IntegrationID:  snapshot.ID,
				CorruptionType: models.CorruptionDetectorInternal,
				Severity:       models.SeverityCritical,
				Evidence:       map[string]interface{}{"panic": fmt.Sprint(r)},
			})
			result.OverallSeverity = result.OverallSeverity.Max(models.SeverityCritical)
		}
	}()

	var events []models.CorruptionEvent
	events = append(events, d.ingestWarnings(snapshot)...)
	events = append(events, d.checkLicense(snapshot)...)
	events = append(events, d.checkRequiredProperties(snapshot)...)
	events = append(events, d.checkResourceCounts(snapshot)...)
	events = append(events, d.checkRequiredResources(snapshot)...)
	events = append(events, d.checkConnections(snapshot)...)
	events = append(events, d.checkStuckUpdate(snapshot)...)

	result.Events = events
	for _, e := range events {
		result.OverallSeverity = result.OverallSeverity.Max(e.Severity)
	}
	return result
}

func (d *Detector) ingestWarnings(snap *models.IntegrationSnapshot) []models.CorruptionEvent {
	var events []models.CorruptionEvent
	for _, warning := range snap.IngestWarnings {
		events = append(events, event(snap.ID, models.CorruptionIngestWarning, models.SeverityLow,
			map[string]interface{}{"warning": warning}))
	}
	return events
}

func (d *Detector) checkLicense(snap *models.IntegrationSnapshot) []models.CorruptionEvent {
	var events []models.CorruptionEvent
	lv := d.rules.LicenseValidation

	if !d.rules.IsValidEdition(snap.LicenseEdition) {
		events = append(events, event(snap.ID, models.CorruptionInvalidLicenseEdition, models.SeverityCritical,
			map[string]interface{}{
				"edition":       snap.LicenseEdition,
				"validEditions": lv.ValidEditions,
			}))
	}

	if lv.MaxSettingsSize > 0 && snap.Settings != nil {
		size := len(snap.SettingsRaw)
		if size == 0 {
			if data, err := json.Marshal(snap.Settings); err == nil {
				size = len(data)
			}
		}
		if size > lv.MaxSettingsSize {
			events = append(events, event(snap.ID, models.CorruptionSettingsTooLarge, models.SeverityHigh,
				map[string]interface{}{"size": size, "maxSize": lv.MaxSettingsSize}))
		}
	}

	if snap.Settings != nil {
		observed := snap.Settings.ConnectorEdition
		expected := snap.LicenseEdition
		if lv.TrimWhitespace {
			observed = strings.TrimSpace(observed)
			expected = strings.TrimSpace(expected)
		}
		match := observed == expected
		if !match && !lv.CaseSensitive {
			match = strings.EqualFold(observed, expected)
		}
		if !match {
			events = append(events, event(snap.ID, models.CorruptionLicenseEditionMismatch, models.SeverityHigh,
				map[string]interface{}{
					"connectorEdition": snap.Settings.ConnectorEdition,
					"licenseEdition":   snap.LicenseEdition,
				}))
		}
	}

	return events
}

func (d *Detector) checkRequiredProperties(snap *models.IntegrationSnapshot) []models.CorruptionEvent {
	var events []models.CorruptionEvent
	rp := d.rules.RequiredProperties

	missing := func(path string) models.CorruptionEvent {
		return event(snap.ID, models.CorruptionMissingProperty, models.SeverityMedium,
			map[string]interface{}{"path": path})
	}

	for _, key := range rp.TopLevel {
		if !snapshotHasField(snap, key) {
			events = append(events, missing(key))
		}
	}

	for _, key := range rp.SettingsLevel {
		if !snap.Settings.HasKey(key) {
			events = append(events, missing("settings."+key))
		}
	}

	if snap.Settings != nil && len(rp.SectionProperties) > 0 {
		for i, section := range snap.Settings.Sections {
			for _, key := range rp.SectionProperties {
				if _, ok := section[key]; !ok {
					events = append(events, missing(fmt.Sprintf("settings.sections[%d].%s", i, key)))
				}
			}
		}
	}

	return events
}

func (d *Detector) checkResourceCounts(snap *models.IntegrationSnapshot) []models.CorruptionEvent {
	req, ok := d.rules.EditionFor(snap.LicenseEdition)
	if !ok {
		// Unknown edition is already flagged by the license check; counts
		// cannot be evaluated without a requirement table.
		return nil
	}

	tolerance := d.rules.Tolerances.ResourceCountTolerance
	var events []models.CorruptionEvent

	check := func(corruptionType string, perStore, observed int) {
		expected := perStore * snap.StoreCount
		delta := observed - expected
		if abs(delta) > tolerance {
			events = append(events, event(snap.ID, corruptionType, models.SeverityMedium,
				map[string]interface{}{"expected": expected, "observed": observed, "delta": delta}))
		}
	}

	check(models.CorruptionImportsCountMismatch, req.ImportsPerStore, len(snap.Imports))
	check(models.CorruptionExportsCountMismatch, req.ExportsPerStore, len(snap.Exports))
	check(models.CorruptionFlowsCountMismatch, req.FlowsPerStore, len(snap.Flows))
	return events
}

func (d *Detector) checkRequiredResources(snap *models.IntegrationSnapshot) []models.CorruptionEvent {
	req, ok := d.rules.EditionFor(snap.LicenseEdition)
	if !ok {
		return nil
	}

	var events []models.CorruptionEvent
	check := func(kind string, required []string, present []models.Resource) {
		if len(required) == 0 {
			return
		}
		byExternalID := make(map[string]bool, len(present))
		for _, r := range present {
			byExternalID[r.ExternalID] = true
		}
		var missing []string
		for _, want := range required {
			if !byExternalID[want] {
				missing = append(missing, want)
			}
		}
		if len(missing) > 0 {
			events = append(events, event(snap.ID, models.CorruptionMissingResource, models.SeverityHigh,
				map[string]interface{}{"resourceType": kind, "missing": missing}))
		}
	}

	check("import", req.RequiredImports, snap.Imports)
	check("export", req.RequiredExports, snap.Exports)
	check("flow", req.RequiredFlows, snap.Flows)
	return events
}

func (d *Detector) checkConnections(snap *models.IntegrationSnapshot) []models.CorruptionEvent {
	var events []models.CorruptionEvent
	for _, conn := range snap.Connections {
		if conn.Offline {
			events = append(events, event(snap.ID, models.CorruptionOfflineConnection, models.SeverityMedium,
				map[string]interface{}{
					"connectionId": conn.ID,
					"name":         conn.Name,
					"target":       conn.Target,
				}))
		}
	}
	return events
}

func (d *Detector) checkStuckUpdate(snap *models.IntegrationSnapshot) []models.CorruptionEvent {
	if !snap.UpdateInProgress {
		return nil
	}
	return []models.CorruptionEvent{
		event(snap.ID, models.CorruptionStuckUpdate, models.SeverityHigh, nil),
	}
}

func event(id, corruptionType string, severity models.Severity, evidence map[string]interface{}) models.CorruptionEvent {
	return models.CorruptionEvent{
		IntegrationID:  id,
		CorruptionType: corruptionType,
		Severity:       severity,
		Evidence:       evidence,
	}
}

// snapshotHasField checks top-level required properties against the
// snapshot's joined columns.
func snapshotHasField(snap *models.IntegrationSnapshot, key string) bool {
	switch key {
	case "id", "_id":
		return snap.ID != ""
	case "email":
		return snap.Email != ""
	case "userId", "_userId":
		return snap.UserID != ""
	case "version":
		return snap.Version != ""
	case "licenseEdition":
		return snap.LicenseEdition != ""
	case "settings":
		return snap.Settings != nil
	case "storeCount", "numStores":
		return snap.StoreCount >= 0
	}
	return false
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
