// Package ingest joins the five per-tier CSV tables into integration
// snapshots. The parent table streams row-by-row onto a bounded channel;
// the four child tables are indexed up front by integration id.
package ingest

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/catherinevee/integraudit/internal/apperrors"
	"github.com/catherinevee/integraudit/internal/logger"
	"github.com/catherinevee/integraudit/internal/models"
)

// File names expected under input/<tier>/.
const (
	integrationsFile = "integrations.csv"
	importsFile      = "imports.csv"
	exportsFile      = "exports.csv"
	flowsFile        = "flows.csv"
	connectionsFile  = "connections.csv"
)

var integrationsHeader = []string{"_ID", "EMAIL", "_USERID", "VERSION", "NUMSTORES", "LICENSEEDITION", "UPDATEINPROGRESS", "SETTINGS"}
var resourceHeader = []string{"_ID", "INTEGRATIONID", "EXTERNALID", "NAME", "TYPE", "STOREID"}
var connectionsHeader = []string{"_ID", "INTEGRATIONID", "NAME", "TYPE", "OFFLINE", "TARGET"}

// Ingestor builds snapshots from one tier directory.
type Ingestor struct {
	dir string
	log logger.Logger
}

// New creates an ingestor for the given tier directory.
func New(dir string) *Ingestor {
	return &Ingestor{dir: dir, log: logger.New("ingest")}
}

// Stream emits one snapshot per integration row onto out, in file order.
// It blocks when out is full, which backpressures the whole pipeline.
// Header mismatches are hard errors; per-row problems degrade that one
// integration and processing continues. Stream closes out on return.
func (in *Ingestor) Stream(ctx context.Context, out chan<- *models.IntegrationSnapshot) error {
	defer close(out)

	imports, err := in.loadResources(importsFile)
	if err != nil {
		return err
	}
	exports, err := in.loadResources(exportsFile)
	if err != nil {
		return err
	}
	flows, err := in.loadResources(flowsFile)
	if err != nil {
		return err
	}
	connections, err := in.loadConnections(connectionsFile)
	if err != nil {
		return err
	}

	path := filepath.Join(in.dir, integrationsFile)
	file, err := os.Open(path)
	if err != nil {
		return apperrors.NewIngestError("opening "+path, err)
	}
	defer file.Close()

	reader := newCSVReader(file)
	if err := expectHeader(reader, path, integrationsHeader); err != nil {
		return err
	}

	count := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Row-level parse problems are logged and skipped; the stream
			// keeps going.
			in.log.Warn("skipping malformed integrations row", logger.Err(err))
			continue
		}

		snapshot := in.buildSnapshot(record, imports, exports, flows, connections)

		select {
		case out <- snapshot:
			count++
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	in.log.Info("ingest complete", logger.String("dir", in.dir), logger.Int("integrations", count))
	return nil
}

func (in *Ingestor) buildSnapshot(record []string, imports, exports, flows map[string][]models.Resource,
	connections map[string][]models.Connection) *models.IntegrationSnapshot {

	id := record[0]
	snapshot := &models.IntegrationSnapshot{
		ID:               id,
		Email:            record[1],
		UserID:           record[2],
		Version:          record[3],
		LicenseEdition:   record[5],
		UpdateInProgress: parseBool(record[6]),
		Imports:          orEmpty(imports[id]),
		Exports:          orEmpty(exports[id]),
		Flows:            orEmpty(flows[id]),
		Connections:      orEmptyConnections(connections[id]),
	}

	stores, err := strconv.Atoi(strings.TrimSpace(record[4]))
	if err != nil {
		snapshot.IngestWarnings = append(snapshot.IngestWarnings,
			fmt.Sprintf("invalid NUMSTORES %q", record[4]))
	} else {
		snapshot.StoreCount = stores
	}

	rawSettings := normalizeSettingsCell(record[7])
	if rawSettings != "" {
		var settings models.IntegrationSettings
		if err := json.Unmarshal([]byte(rawSettings), &settings); err != nil {
			// Best-effort snapshot: the detector turns this warning into
			// an ingest-warning event and processing continues.
			snapshot.IngestWarnings = append(snapshot.IngestWarnings,
				fmt.Sprintf("malformed settings JSON: %v", err))
		} else {
			snapshot.Settings = &settings
			snapshot.SettingsRaw = json.RawMessage(rawSettings)
		}
	}

	return snapshot
}

func (in *Ingestor) loadResources(name string) (map[string][]models.Resource, error) {
	path := filepath.Join(in.dir, name)
	file, err := os.Open(path)
	if err != nil {
		return nil, apperrors.NewIngestError("opening "+path, err)
	}
	defer file.Close()

	reader := newCSVReader(file)
	if err := expectHeader(reader, path, resourceHeader); err != nil {
		return nil, err
	}

	index := make(map[string][]models.Resource)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			in.log.Warn("skipping malformed row", logger.String("file", name), logger.Err(err))
			continue
		}
		res := models.Resource{
			ID:            record[0],
			IntegrationID: record[1],
			ExternalID:    record[2],
			Name:          record[3],
			Type:          record[4],
			StoreID:       record[5],
		}
		index[res.IntegrationID] = append(index[res.IntegrationID], res)
	}
	return index, nil
}

func (in *Ingestor) loadConnections(name string) (map[string][]models.Connection, error) {
	path := filepath.Join(in.dir, name)
	file, err := os.Open(path)
	if err != nil {
		return nil, apperrors.NewIngestError("opening "+path, err)
	}
	defer file.Close()

	reader := newCSVReader(file)
	if err := expectHeader(reader, path, connectionsHeader); err != nil {
		return nil, err
	}

	index := make(map[string][]models.Connection)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			in.log.Warn("skipping malformed row", logger.String("file", name), logger.Err(err))
			continue
		}
		conn := models.Connection{
			ID:            record[0],
			IntegrationID: record[1],
			Name:          record[2],
			Type:          record[3],
			Offline:       parseBool(record[4]),
			Target:        record[5],
		}
		index[conn.IntegrationID] = append(index[conn.IntegrationID], conn)
	}
	return index, nil
}

func newCSVReader(r io.Reader) *csv.Reader {
	reader := csv.NewReader(r)
	reader.LazyQuotes = true
	reader.FieldsPerRecord = 0 // enforce the header's column count
	return reader
}

func expectHeader(reader *csv.Reader, path string, want []string) error {
	header, err := reader.Read()
	if err != nil {
		return apperrors.NewIngestError("reading header of "+path, err)
	}
	if len(header) != len(want) {
		return apperrors.NewIngestError(
			fmt.Sprintf("%s: expected %d columns, got %d", path, len(want), len(header)), nil)
	}
	for i := range want {
		if !strings.EqualFold(strings.TrimSpace(header[i]), want[i]) {
			return apperrors.NewIngestError(
				fmt.Sprintf("%s: column %d is %q, expected %q", path, i, header[i], want[i]), nil)
		}
	}
	return nil
}

// normalizeSettingsCell undoes export-style doubled quotes when the whole
// cell arrived with them still embedded ({""key"": ...}).
func normalizeSettingsCell(cell string) string {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return ""
	}
	if strings.Contains(cell, `""`) && !json.Valid([]byte(cell)) {
		undoubled := strings.ReplaceAll(cell, `""`, `"`)
		if json.Valid([]byte(undoubled)) {
			return undoubled
		}
	}
	return cell
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "y":
		return true
	}
	return false
}

func orEmpty(rs []models.Resource) []models.Resource {
	if rs == nil {
		return []models.Resource{}
	}
	return rs
}

func orEmptyConnections(cs []models.Connection) []models.Connection {
	if cs == nil {
		return []models.Connection{}
	}
	return cs
}
