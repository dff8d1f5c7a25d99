package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"

	"github.com/dbtuneai/memadvisor/pkg/metrics"
)

// DevicesTable is the table read by LoadPostgres.
const DevicesTable = "device_limits"

// LoadFile reads a lookup table from a .json, .yaml or .yml file.
func LoadFile(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read device table %s: %w", path, err)
	}

	var table Table
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &table)
	default:
		err = json.Unmarshal(data, &table)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode device table %s: %w", path, err)
	}
	return table.normalize(), nil
}

// LoadURL fetches a JSON lookup table over HTTP.
func LoadURL(ctx context.Context, client *retryablehttp.Client, url string) (Table, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(reqCtx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch device table: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("failed to fetch device table, code: %d, body: %s", resp.StatusCode, string(body))
	}

	var table Table
	if err := json.NewDecoder(resp.Body).Decode(&table); err != nil {
		return nil, fmt.Errorf("failed to decode device table: %w", err)
	}
	return table.normalize(), nil
}

// LoadPostgres reads the device_limits table (fingerprint text, baseline
// jsonb, limit_metrics jsonb).
func LoadPostgres(ctx context.Context, connectionURL string) (Table, error) {
	pool, err := pgxpool.New(ctx, connectionURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to device table database: %w", err)
	}
	defer pool.Close()

	query := `SELECT fingerprint, baseline, limit_metrics FROM ` + DevicesTable
	rows, err := pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", DevicesTable, err)
	}
	defer rows.Close()

	table := Table{}
	for rows.Next() {
		var (
			fingerprint     string
			baseline, limit []byte
		)
		if err := rows.Scan(&fingerprint, &baseline, &limit); err != nil {
			return nil, err
		}
		entry, err := decodeRow(fingerprint, baseline, limit)
		if err != nil {
			return nil, err
		}
		table[fingerprint] = entry
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return table, nil
}

func decodeRow(fingerprint string, baseline, limit []byte) (Entry, error) {
	entry := Entry{Fingerprint: fingerprint}
	if err := json.Unmarshal(baseline, &entry.Baseline); err != nil {
		return Entry{}, fmt.Errorf("device %s: invalid baseline: %w", fingerprint, err)
	}
	if err := json.Unmarshal(limit, &entry.Limit); err != nil {
		return Entry{}, fmt.Errorf("device %s: invalid limit: %w", fingerprint, err)
	}
	return entry, nil
}

// normalize fills in fingerprints from keys and converts nested maps.
func (t Table) normalize() Table {
	for key, entry := range t {
		if entry.Fingerprint == "" {
			entry.Fingerprint = key
		}
		entry.Baseline = entry.Baseline.Clone()
		entry.Limit = entry.Limit.Clone()
		t[key] = entry
	}
	return t
}

// Save writes a table as indented JSON, or YAML when path ends in .yaml/.yml.
func Save(path string, table Table) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(table)
	default:
		data, err = json.MarshalIndent(table, "", "  ")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// EntryFrom builds a table entry from a learned baseline/limit pair.
func EntryFrom(fingerprint string, baseline, limit metrics.Tree) Entry {
	return Entry{Fingerprint: fingerprint, Baseline: baseline.Clone(), Limit: limit.Clone()}
}
