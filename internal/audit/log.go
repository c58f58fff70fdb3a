// Package audit keeps a persistent history of operator decisions and
// detections. Records live in a BoltDB bucket with a per-MAC index so the
// history of a single device can be read without a full scan.
package audit

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/carpie/sid/internal/events"
	"github.com/carpie/sid/internal/metrics"
)

var (
	bucketAudit    = []byte("audit_log")
	bucketAuditMAC = []byte("audit_mac_index") // mac -> list of record IDs
)

// DefaultQueryLimit caps queries that do not set a limit.
const DefaultQueryLimit = 1000

// Record is a single audit log entry.
type Record struct {
	ID        uint64    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Event     string    `json:"event"`
	MAC       string    `json:"mac,omitempty"`
	Hostname  string    `json:"hostname,omitempty"`
	IP        string    `json:"ip,omitempty"`
	Vendor    string    `json:"vendor,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// QueryParams holds filter parameters for querying the audit log.
type QueryParams struct {
	MAC   string
	Event string
	From  time.Time // inclusive
	To    time.Time // inclusive
	Limit int       // 0 selects DefaultQueryLimit
}

// Log records bus events into BoltDB.
type Log struct {
	db     *bolt.DB
	bus    *events.Bus
	logger *slog.Logger
	ch     chan events.Event
	done   chan struct{}
}

// NewLog creates the audit buckets and subscribes to bus.
func NewLog(db *bolt.DB, bus *events.Bus, logger *slog.Logger) (*Log, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketAudit); err != nil {
			return fmt.Errorf("creating audit bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(bucketAuditMAC); err != nil {
			return fmt.Errorf("creating audit MAC index: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Log{
		db:     db,
		bus:    bus,
		logger: logger,
		ch:     bus.Subscribe(500),
		done:   make(chan struct{}),
	}, nil
}

// Start records events until Stop. Call in a goroutine.
func (l *Log) Start() {
	l.logger.Info("audit log started")
	for {
		select {
		case evt, ok := <-l.ch:
			if !ok {
				return
			}
			l.handleEvent(evt)
		case <-l.done:
			return
		}
	}
}

// Stop shuts down the audit log subscriber.
func (l *Log) Stop() {
	close(l.done)
	l.bus.Unsubscribe(l.ch)
	l.logger.Info("audit log stopped")
}

func (l *Log) handleEvent(evt events.Event) {
	rec := Record{
		Timestamp: evt.Timestamp.UTC(),
		Event:     string(evt.Type),
		MAC:       evt.MAC(),
		Actor:     evt.Actor,
		Reason:    evt.Reason,
	}
	if evt.Request != nil {
		rec.Vendor = evt.Request.Vendor
	}
	if evt.Lease != nil {
		rec.Hostname = evt.Lease.Hostname
		if evt.Lease.IP != nil {
			rec.IP = evt.Lease.IP.String()
		}
	}
	if evt.Restart != nil {
		code := evt.Restart.ExitCode
		rec.ExitCode = &code
	}

	if err := l.append(rec); err != nil {
		l.logger.Error("failed to write audit record",
			"event", rec.Event, "mac", rec.MAC, "error", err)
		return
	}
	metrics.AuditRecords.WithLabelValues(rec.Event).Inc()
}

// append persists rec with an auto-increment ID.
func (l *Log) append(rec Record) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)

		id, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("generating audit ID: %w", err)
		}
		rec.ID = id

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshalling audit record: %w", err)
		}
		if err := b.Put(uint64Key(id), data); err != nil {
			return fmt.Errorf("storing audit record: %w", err)
		}

		if rec.MAC == "" {
			return nil
		}
		idx := tx.Bucket(bucketAuditMAC)
		macKey := []byte(strings.ToLower(rec.MAC))
		var ids []uint64
		if existing := idx.Get(macKey); existing != nil {
			if err := json.Unmarshal(existing, &ids); err != nil {
				return fmt.Errorf("reading MAC index for %s: %w", rec.MAC, err)
			}
		}
		ids = append(ids, id)
		idData, err := json.Marshal(ids)
		if err != nil {
			return fmt.Errorf("marshalling MAC index: %w", err)
		}
		return idx.Put(macKey, idData)
	})
}

// Query returns matching records, newest first.
func (l *Log) Query(params QueryParams) ([]Record, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	params.MAC = strings.ToLower(params.MAC)
	if params.MAC != "" {
		return l.queryByMAC(params, limit)
	}

	var results []Record
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		for k, v := c.Last(); k != nil && len(results) < limit; k, v = c.Prev() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if matchesQuery(rec, params) {
				results = append(results, rec)
			}
		}
		return nil
	})
	return results, err
}

// queryByMAC walks the MAC index instead of the whole log.
func (l *Log) queryByMAC(params QueryParams, limit int) ([]Record, error) {
	var results []Record
	err := l.db.View(func(tx *bolt.Tx) error {
		idsData := tx.Bucket(bucketAuditMAC).Get([]byte(params.MAC))
		if idsData == nil {
			return nil
		}
		var ids []uint64
		if err := json.Unmarshal(idsData, &ids); err != nil {
			return fmt.Errorf("reading MAC index: %w", err)
		}

		b := tx.Bucket(bucketAudit)
		for i := len(ids) - 1; i >= 0 && len(results) < limit; i-- {
			data := b.Get(uint64Key(ids[i]))
			if data == nil {
				continue
			}
			var rec Record
			if err := json.Unmarshal(data, &rec); err != nil {
				continue
			}
			if matchesQuery(rec, params) {
				results = append(results, rec)
			}
		}
		return nil
	})
	return results, err
}

// Count returns the total number of audit records.
func (l *Log) Count() int {
	var count int
	l.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketAudit).Stats().KeyN
		return nil
	})
	return count
}

func matchesQuery(rec Record, params QueryParams) bool {
	if params.MAC != "" && !strings.EqualFold(rec.MAC, params.MAC) {
		return false
	}
	if params.Event != "" && rec.Event != params.Event {
		return false
	}
	if !params.From.IsZero() && rec.Timestamp.Before(params.From) {
		return false
	}
	if !params.To.IsZero() && rec.Timestamp.After(params.To) {
		return false
	}
	return true
}

func uint64Key(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}
