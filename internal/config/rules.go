package config

// EditionRequirements are the expected per-store resource counts and
// required resource lists for one license edition.
type EditionRequirements struct {
	ImportsPerStore int      `json:"importsPerStore" validate:"min=0"`
	ExportsPerStore int      `json:"exportsPerStore" validate:"min=0"`
	FlowsPerStore   int      `json:"flowsPerStore" validate:"min=0"`
	RequiredImports []string `json:"requiredImports"`
	RequiredExports []string `json:"requiredExports"`
	RequiredFlows   []string `json:"requiredFlows"`
}

// LicenseValidation controls edition and settings-size checks.
type LicenseValidation struct {
	ValidEditions   []string `json:"validEditions" validate:"required,min=1"`
	MaxSettingsSize int      `json:"maxSettingsSize" validate:"min=0"`
	CaseSensitive   bool     `json:"caseSensitive"`
	TrimWhitespace  bool     `json:"trimWhitespace"`
}

// RequiredProperties lists keys that must exist on snapshots.
type RequiredProperties struct {
	TopLevel          []string `json:"topLevel"`
	SettingsLevel     []string `json:"settingsLevel"`
	SectionProperties []string `json:"sectionProperties"`
}

// Tolerances holds detection slack values.
type Tolerances struct {
	ResourceCountTolerance int `json:"resourceCountTolerance" validate:"min=0"`
}

// BusinessRules is the full ruleset for one (product, version).
type BusinessRules struct {
	EditionRequirements map[string]EditionRequirements `json:"editionRequirements" validate:"required,min=1"`
	LicenseValidation   LicenseValidation              `json:"licenseValidation" validate:"required"`
	RequiredProperties  RequiredProperties             `json:"requiredProperties"`
	Tolerances          Tolerances                     `json:"tolerances"`
}

// EditionFor resolves the requirements for an edition, honoring the
// configured case sensitivity.
func (r *BusinessRules) EditionFor(edition string) (EditionRequirements, bool) {
	if req, ok := r.EditionRequirements[edition]; ok {
		return req, true
	}
	if !r.LicenseValidation.CaseSensitive {
		for name, req := range r.EditionRequirements {
			if foldEqual(name, edition) {
				return req, true
			}
		}
	}
	return EditionRequirements{}, false
}

// IsValidEdition checks edition membership in validEditions.
func (r *BusinessRules) IsValidEdition(edition string) bool {
	for _, valid := range r.LicenseValidation.ValidEditions {
		if r.LicenseValidation.CaseSensitive {
			if valid == edition {
				return true
			}
		} else if foldEqual(valid, edition) {
			return true
		}
	}
	return false
}

func foldEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// ActionTemplate is one remediation action blueprint. Token substitution
// uses {{scope.path}} placeholders resolved against the snapshot, the
// event evidence and the run context.
type ActionTemplate struct {
	ID           string                 `json:"id" validate:"required"`
	ActionType   string                 `json:"actionType" validate:"required,oneof=create update delete patch reconnect adjust"`
	Target       TemplateTarget         `json:"target" validate:"required"`
	Payload      map[string]interface{} `json:"payloadTemplate"`
	Priority     int                    `json:"priority" validate:"min=0,max=10"`
	Rollbackable bool                   `json:"rollbackable"`
	Dependencies []string               `json:"dependencies"`
	// RepeatFor names an evidence list; the template is expanded once per
	// element with {{item}} bound to the element.
	RepeatFor string `json:"repeatFor,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// TemplateTarget identifies what a templated action mutates. ResourceID may
// itself carry substitution tokens.
type TemplateTarget struct {
	Type         string `json:"type" validate:"required"`
	ResourceType string `json:"resourceType,omitempty"`
	ResourceID   string `json:"resourceId,omitempty"`
}

// RemediationLogic maps corruption types to ordered action templates.
type RemediationLogic map[string][]ActionTemplate
