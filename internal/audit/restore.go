package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/catherinevee/integraudit/internal/models"
)

// RestoreBundle is a single compact per-session file holding the pre-change
// snapshot and emitted actions for every touched integration, keyed by
// integration id.
type RestoreBundle struct {
	BundleID     string                       `json:"bundleId"`
	SessionID    string                       `json:"sessionId"`
	OperatorID   string                       `json:"operatorId"`
	CreatedAt    time.Time                    `json:"createdAt"`
	Description  string                       `json:"description,omitempty"`
	Integrations map[string]IntegrationRecord `json:"integrations"`
}

// IntegrationRecord is one integration's section of a restore bundle.
type IntegrationRecord struct {
	Snapshot *models.IntegrationSnapshot `json:"snapshot,omitempty"`
	Events   []models.CorruptionEvent    `json:"events,omitempty"`
	Actions  []models.ExecutionAction    `json:"actions,omitempty"`
}

// BundleStore reads and writes restore bundles under one directory.
type BundleStore struct {
	dir        string
	sessionID  string
	operatorID string
	nowFn      func() time.Time
}

// NewBundleStore creates the bundle directory.
func NewBundleStore(dir, sessionID, operatorID string) (*BundleStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating restore-bundle directory %s: %w", dir, err)
	}
	return &BundleStore{dir: dir, sessionID: sessionID, operatorID: operatorID, nowFn: time.Now}, nil
}

// CreateRestoreBundle writes one bundle file and returns its id.
func (s *BundleStore) CreateRestoreBundle(records map[string]IntegrationRecord,
	description string) (string, error) {

	bundle := RestoreBundle{
		BundleID:     uuid.New().String(),
		SessionID:    s.sessionID,
		OperatorID:   s.operatorID,
		CreatedAt:    s.nowFn().UTC(),
		Description:  description,
		Integrations: records,
	}

	data, err := json.Marshal(bundle)
	if err != nil {
		return "", fmt.Errorf("marshaling restore bundle: %w", err)
	}
	path := filepath.Join(s.dir, bundle.BundleID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing restore bundle %s: %w", path, err)
	}
	return bundle.BundleID, nil
}

// LoadRestoreBundle reads a bundle back by id.
func (s *BundleStore) LoadRestoreBundle(bundleID string) (*RestoreBundle, error) {
	path := filepath.Join(s.dir, bundleID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading restore bundle %s: %w", bundleID, err)
	}
	var bundle RestoreBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("parsing restore bundle %s: %w", bundleID, err)
	}
	return &bundle, nil
}
