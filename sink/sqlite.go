package sink

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jnesss/auditmon/types"
)

// SQLiteSink persists security events to a local sqlite database.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (creating if needed) the event database under
// dataDir.
func NewSQLiteSink(dataDir string) (*SQLiteSink, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %v", err)
	}

	dbPath := filepath.Join(dataDir, "security_events.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %v", err)
	}

	if err := initEventSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize event schema: %v", err)
	}

	return &SQLiteSink{db: db}, nil
}

func initEventSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS security_events (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		seq              INTEGER NOT NULL,
		timestamp        DATETIME NOT NULL,
		kind             TEXT NOT NULL,
		pid              INTEGER NOT NULL,
		generation       INTEGER NOT NULL,
		uid              INTEGER,
		gid              INTEGER,
		username         TEXT,
		image            TEXT,
		argv             TEXT,           -- JSON array
		ancestry         TEXT,           -- JSON array of ancestor images
		ancestry_partial INTEGER,
		return_status    INTEGER,
		path             TEXT,
		fd               INTEGER,
		bytes_written    INTEGER,
		write_count      INTEGER,
		checksum         TEXT,
		degraded         INTEGER,
		degraded_reason  TEXT
	);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create security_events table: %v", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_events_pid ON security_events(pid);",
		"CREATE INDEX IF NOT EXISTS idx_events_kind ON security_events(kind);",
		"CREATE INDEX IF NOT EXISTS idx_events_timestamp ON security_events(timestamp);",
		"CREATE INDEX IF NOT EXISTS idx_events_path ON security_events(path);",
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %v", err)
		}
	}
	return nil
}

// Emit inserts one event row.
func (s *SQLiteSink) Emit(ev *types.SecurityEvent) error {
	argvJSON, _ := json.Marshal(ev.Argv)
	ancestryJSON, _ := json.Marshal(ev.Ancestry)

	query := `
	INSERT INTO security_events (
		seq, timestamp, kind, pid, generation, uid, gid, username,
		image, argv, ancestry, ancestry_partial, return_status,
		path, fd, bytes_written, write_count, checksum,
		degraded, degraded_reason
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.Exec(query,
		ev.Seq,
		ev.Time,
		ev.Kind,
		ev.PID,
		ev.Generation,
		ev.UID,
		ev.GID,
		ev.Username,
		ev.Image,
		string(argvJSON),
		string(ancestryJSON),
		ev.AncestryPartial,
		ev.ReturnStatus,
		ev.Path,
		ev.FD,
		ev.BytesWritten,
		ev.WriteCount,
		ev.Checksum,
		ev.Degraded,
		ev.DegradedReason,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %v", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
