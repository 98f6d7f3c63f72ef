package models

import "encoding/json"

// IntegrationSnapshot is the joined view of one tenant integration built by
// the ingestor. Immutable once emitted.
type IntegrationSnapshot struct {
	ID               string               `json:"id"`
	Email            string               `json:"email"`
	UserID           string               `json:"userId"`
	Version          string               `json:"version"`
	StoreCount       int                  `json:"storeCount"`
	LicenseEdition   string               `json:"licenseEdition"`
	UpdateInProgress bool                 `json:"updateInProgress"`
	Settings         *IntegrationSettings `json:"settings,omitempty"`
	// SettingsRaw keeps the original settings document so detectors can
	// size-check and diff against the exact bytes the tenant stored.
	SettingsRaw json.RawMessage `json:"settingsRaw,omitempty"`

	Imports     []Resource   `json:"imports"`
	Exports     []Resource   `json:"exports"`
	Flows       []Resource   `json:"flows"`
	Connections []Connection `json:"connections"`

	// IngestWarnings records per-row degradations (e.g. malformed settings
	// JSON) so the detector can surface them as events.
	IngestWarnings []string `json:"ingestWarnings,omitempty"`
}

// IntegrationSettings is the parsed settings document.
type IntegrationSettings struct {
	ConnectorEdition string                     `json:"connectorEdition"`
	General          map[string]interface{}     `json:"general,omitempty"`
	StoreMap         []map[string]interface{}   `json:"storemap,omitempty"`
	Sections         []map[string]interface{}   `json:"sections,omitempty"`
	CommonResources  map[string]interface{}     `json:"commonresources,omitempty"`
	Extra            map[string]json.RawMessage `json:"-"`
}

// settingsAlias avoids recursion in custom (un)marshalling.
type settingsAlias IntegrationSettings

var knownSettingsKeys = map[string]bool{
	"connectorEdition": true,
	"general":          true,
	"storemap":         true,
	"sections":         true,
	"commonresources":  true,
}

// UnmarshalJSON preserves unknown keys so required-property checks can see
// everything the tenant stored, not only the typed fields.
func (s *IntegrationSettings) UnmarshalJSON(data []byte) error {
	var alias settingsAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	alias.Extra = make(map[string]json.RawMessage)
	for k, v := range raw {
		if !knownSettingsKeys[k] {
			alias.Extra[k] = v
		}
	}
	*s = IntegrationSettings(alias)
	return nil
}

// MarshalJSON re-emits unknown keys alongside the typed fields.
func (s IntegrationSettings) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(s.Extra)+5)
	for k, v := range s.Extra {
		out[k] = v
	}
	out["connectorEdition"] = s.ConnectorEdition
	if s.General != nil {
		out["general"] = s.General
	}
	if s.StoreMap != nil {
		out["storemap"] = s.StoreMap
	}
	if s.Sections != nil {
		out["sections"] = s.Sections
	}
	if s.CommonResources != nil {
		out["commonresources"] = s.CommonResources
	}
	return json.Marshal(out)
}

// HasKey reports whether the settings document contains a top-level key.
func (s *IntegrationSettings) HasKey(key string) bool {
	if s == nil {
		return false
	}
	switch key {
	case "connectorEdition":
		return s.ConnectorEdition != ""
	case "general":
		return s.General != nil
	case "storemap":
		return s.StoreMap != nil
	case "sections":
		return s.Sections != nil
	case "commonresources":
		return s.CommonResources != nil
	}
	_, ok := s.Extra[key]
	return ok
}

// Resource is one import, export or flow attached to an integration.
type Resource struct {
	ID            string `json:"id"`
	IntegrationID string `json:"integrationId"`
	ExternalID    string `json:"externalId"`
	Name          string `json:"name"`
	Type          string `json:"type"`
	StoreID       string `json:"storeId,omitempty"`
}

// Connection is one connector endpoint attached to an integration.
type Connection struct {
	ID            string `json:"id"`
	IntegrationID string `json:"integrationId"`
	Name          string `json:"name"`
	Type          string `json:"type"`
	Offline       bool   `json:"offline"`
	Target        string `json:"target,omitempty"`
}
