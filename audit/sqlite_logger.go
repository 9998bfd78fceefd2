package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteLogger stores audit events in a local SQLite database. Unlike the
// file sink it supports indexed queries over the full history, which the
// compliance checks rely on.
type SQLiteLogger struct {
	db       *sql.DB
	tenantID string
	mu       sync.Mutex
}

type SQLiteOptions struct {
	DatabasePath string `json:"database_path"`
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id         TEXT PRIMARY KEY,
	request_id TEXT,
	timestamp  TEXT NOT NULL,
	tenant_id  TEXT,
	action     TEXT NOT NULL,
	success    INTEGER NOT NULL,
	error      TEXT,
	key_id     TEXT,
	purpose    TEXT,
	device_id  TEXT,
	metadata   TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_events(action);
CREATE INDEX IF NOT EXISTS idx_audit_key_id ON audit_events(key_id);
`

// NewSQLiteLogger creates a SQLite-backed audit logger
func NewSQLiteLogger(config *Config) (*SQLiteLogger, error) {
	var opts SQLiteOptions
	if err := parseOptions(config.Options, &opts); err != nil {
		return nil, fmt.Errorf("invalid sqlite logger options: %w", err)
	}

	if opts.DatabasePath == "" {
		return nil, fmt.Errorf("database_path is required for sqlite logger")
	}

	if err := os.MkdirAll(filepath.Dir(opts.DatabasePath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", opts.DatabasePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	if _, err = db.Exec(auditSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}

	return &SQLiteLogger{
		db:       db,
		tenantID: config.TenantID,
	}, nil
}

// Log implements the Logger interface
func (sl *SQLiteLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.db == nil {
		return fmt.Errorf("audit database is closed")
	}

	event := buildEvent(sl.tenantID, action, success, metadata)

	var metadataJSON []byte
	if event.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to serialize audit metadata: %w", err)
		}
	}

	_, err := sl.db.Exec(
		`INSERT INTO audit_events
		 (id, request_id, timestamp, tenant_id, action, success, error, key_id, purpose, device_id, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.RequestID, event.Timestamp.Format(time.RFC3339Nano),
		event.TenantID, event.Action, boolToInt(event.Success), event.Error,
		event.KeyID, event.Purpose, event.DeviceID, string(metadataJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// Query implements the Logger interface
func (sl *SQLiteLogger) Query(options QueryOptions) (QueryResult, error) {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.db == nil {
		return QueryResult{}, fmt.Errorf("audit database is closed")
	}

	where, args := buildWhereClause(options)

	var totalCount int
	if err := sl.db.QueryRow("SELECT COUNT(*) FROM audit_events").Scan(&totalCount); err != nil {
		return QueryResult{}, fmt.Errorf("failed to count audit events: %w", err)
	}

	var filteredCount int
	countQuery := "SELECT COUNT(*) FROM audit_events" + where
	if err := sl.db.QueryRow(countQuery, args...).Scan(&filteredCount); err != nil {
		return QueryResult{}, fmt.Errorf("failed to count filtered events: %w", err)
	}

	query := `SELECT id, request_id, timestamp, tenant_id, action, success, error, key_id, purpose, device_id, metadata
	          FROM audit_events` + where + " ORDER BY timestamp DESC"
	if options.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", options.Limit, options.Offset)
	} else if options.Offset > 0 {
		query += fmt.Sprintf(" LIMIT -1 OFFSET %d", options.Offset)
	}

	rows, err := sl.db.Query(query, args...)
	if err != nil {
		return QueryResult{}, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var event Event
		var ts, metadataJSON string
		var success int
		if err := rows.Scan(&event.ID, &event.RequestID, &ts, &event.TenantID,
			&event.Action, &success, &event.Error, &event.KeyID,
			&event.Purpose, &event.DeviceID, &metadataJSON); err != nil {
			return QueryResult{}, fmt.Errorf("failed to scan audit event: %w", err)
		}

		event.Success = success != 0
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			event.Timestamp = parsed
		}
		if metadataJSON != "" {
			_ = json.Unmarshal([]byte(metadataJSON), &event.Metadata)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return QueryResult{}, fmt.Errorf("error iterating audit events: %w", err)
	}

	return QueryResult{
		Events:     events,
		TotalCount: totalCount,
		Filtered:   filteredCount,
		HasMore:    options.Offset+len(events) < filteredCount,
	}, nil
}

// Close implements the Logger interface
func (sl *SQLiteLogger) Close() error {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.db != nil {
		err := sl.db.Close()
		sl.db = nil
		return err
	}
	return nil
}

func buildWhereClause(options QueryOptions) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if options.TenantID != "" {
		clauses = append(clauses, "tenant_id = ?")
		args = append(args, options.TenantID)
	}
	if options.Since != nil {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, options.Since.Format(time.RFC3339Nano))
	}
	if options.Until != nil {
		clauses = append(clauses, "timestamp <= ?")
		args = append(args, options.Until.Format(time.RFC3339Nano))
	}
	if options.Action != "" {
		clauses = append(clauses, "action = ?")
		args = append(args, options.Action)
	}
	if options.Success != nil {
		clauses = append(clauses, "success = ?")
		args = append(args, boolToInt(*options.Success))
	}
	if options.KeyID != "" {
		clauses = append(clauses, "key_id = ?")
		args = append(args, options.KeyID)
	}
	if options.Purpose != "" {
		clauses = append(clauses, "purpose = ?")
		args = append(args, options.Purpose)
	}
	if options.DeviceID != "" {
		clauses = append(clauses, "device_id = ?")
		args = append(args, options.DeviceID)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
