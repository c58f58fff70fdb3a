// Package macvendor maps MAC addresses to vendor names so operators can
// tell pending devices apart. It reads either a macdb.json export or the
// IEEE OUI CSV registry.
package macvendor

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Entry is a single macdb.json record.
type Entry struct {
	MacPrefix  string `json:"macPrefix"`
	VendorName string `json:"vendorName"`
	Private    bool   `json:"private"`
	BlockType  string `json:"blockType"`
}

// DB is the in-memory vendor database.
type DB struct {
	logger  *slog.Logger
	mu      sync.RWMutex
	vendors map[string]string // normalized prefix -> vendor name
}

// NewDB creates an empty database. Lookups on it return "".
func NewDB(logger *slog.Logger) *DB {
	return &DB{
		logger:  logger,
		vendors: make(map[string]string),
	}
}

// LoadFile loads path, choosing the format by extension (.csv for the IEEE
// registry, anything else for macdb.json).
func (db *DB) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading vendor database: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		err = db.LoadCSV(data)
	} else {
		err = db.Load(data)
	}
	if err != nil {
		return err
	}
	db.logger.Info("MAC vendor database loaded", "path", path, "vendors", db.Count())
	return nil
}

// Load replaces the database with a macdb.json document.
func (db *DB) Load(data []byte) error {
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parsing macdb.json: %w", err)
	}

	vendors := make(map[string]string, len(entries))
	for _, e := range entries {
		if prefix := normalizePrefix(e.MacPrefix); prefix != "" {
			vendors[prefix] = e.VendorName
		}
	}
	db.replace(vendors)
	return nil
}

// LoadCSV replaces the database with an IEEE registry CSV
// (Registry,Assignment,Organization Name,...). The header row is optional.
func (db *DB) LoadCSV(data []byte) error {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1

	vendors := make(map[string]string)
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("parsing OUI csv: %w", err)
		}
		if len(rec) < 3 || strings.EqualFold(rec[0], "Registry") {
			continue
		}
		if prefix := normalizePrefix(rec[1]); prefix != "" {
			vendors[prefix] = strings.TrimSpace(rec[2])
		}
	}
	db.replace(vendors)
	return nil
}

func (db *DB) replace(vendors map[string]string) {
	db.mu.Lock()
	db.vendors = vendors
	db.mu.Unlock()
}

// Lookup returns the vendor name for a MAC address, or "" if unknown.
func (db *DB) Lookup(mac string) string {
	db.mu.RLock()
	defer db.mu.RUnlock()

	normalized := normalizePrefix(mac)
	if len(normalized) < 6 {
		return ""
	}
	// MA-S, MA-M, then MA-L.
	for _, n := range []int{9, 7, 6} {
		if n > len(normalized) {
			continue
		}
		if vendor, ok := db.vendors[normalized[:n]]; ok {
			return vendor
		}
	}
	return ""
}

// Count returns the number of vendor prefixes loaded.
func (db *DB) Count() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.vendors)
}

// normalizePrefix strips ':', '-' and '.' separators and lower-cases.
func normalizePrefix(prefix string) string {
	return strings.ToLower(strings.NewReplacer(":", "", "-", "", ".", "", " ", "").Replace(prefix))
}
