// Package journal records session events in a SQLite database (WAL
// mode) so a host can replay what happened to a socket after the fact.
// Payloads are stored as protobuf Struct blobs.
package journal

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"sockbridge/internal/events"
	"sockbridge/util"
)

const ddlEvents = `
CREATE TABLE IF NOT EXISTS events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    socket     TEXT    NOT NULL,
    type       TEXT    NOT NULL,
    payload    BLOB    NOT NULL,
    emitted_at INTEGER NOT NULL -- Unix milliseconds
);
CREATE INDEX IF NOT EXISTS idx_events_socket ON events (socket, id);
`

// Journal is an events.Sink backed by SQLite.
type Journal struct {
	db       *sql.DB
	log      *util.Logger
	failures atomic.Uint64
	marshal  proto.MarshalOptions
}

// Open opens (or creates) the journal at path and applies the schema.
// path may be ":memory:" for a throwaway journal.
func Open(path string, logger *util.Logger) (*Journal, error) {
	if logger == nil {
		logger = util.NewLogger(0)
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: ping: %w", err)
	}
	// One writer; also keeps ":memory:" on a single database.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(ddlEvents); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	return &Journal{
		db:      db,
		log:     logger.Named("journal"),
		marshal: proto.MarshalOptions{Deterministic: true},
	}, nil
}

// Emit appends e.  Storage failures are logged and counted, never
// propagated back into the session.
func (j *Journal) Emit(e events.Event) {
	if err := j.Append(context.Background(), e); err != nil {
		j.failures.Add(1)
		j.log.Warn("%v", err)
	}
}

// Append stores e and returns any storage error.
func (j *Journal) Append(ctx context.Context, e events.Event) error {
	blob, err := j.encode(e)
	if err != nil {
		return fmt.Errorf("journal: encode %s: %w", e.Name, err)
	}
	at := e.Time
	if at.IsZero() {
		at = time.Now()
	}
	_, err = j.db.ExecContext(ctx,
		`INSERT INTO events (socket, type, payload, emitted_at) VALUES (?, ?, ?, ?)`,
		e.SessionID, e.Name, blob, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("journal: insert %s: %w", e.Name, err)
	}
	return nil
}

// Recent returns up to n of the newest events, oldest first.  An empty
// socket selects every session.
func (j *Journal) Recent(ctx context.Context, socket string, n int) ([]events.Event, error) {
	if n <= 0 {
		return nil, nil
	}
	q := `SELECT type, payload, emitted_at FROM events`
	args := []interface{}{}
	if socket != "" {
		q += ` WHERE socket = ?`
		args = append(args, socket)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, n)

	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			name string
			blob []byte
			at   int64
		)
		if err := rows.Scan(&name, &blob, &at); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		e, err := decode(name, blob)
		if err != nil {
			return nil, fmt.Errorf("journal: decode %s: %w", name, err)
		}
		e.Time = time.UnixMilli(at)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: rows: %w", err)
	}
	for i, k := 0, len(out)-1; i < k; i, k = i+1, k-1 {
		out[i], out[k] = out[k], out[i]
	}
	return out, nil
}

// Failures returns how many events could not be stored.
func (j *Journal) Failures() uint64 { return j.failures.Load() }

// Close closes the database.
func (j *Journal) Close() error { return j.db.Close() }

// encode turns the event payload into a Struct blob.  structpb has no
// bytes kind, so data travels as base64 text.
func (j *Journal) encode(e events.Event) ([]byte, error) {
	m := e.Payload()
	if d, ok := m[events.KeyData].([]byte); ok {
		m[events.KeyData] = base64.StdEncoding.EncodeToString(d)
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, err
	}
	return j.marshal.Marshal(st)
}

func decode(name string, blob []byte) (events.Event, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(blob, &st); err != nil {
		return events.Event{}, err
	}
	f := st.GetFields()
	e := events.Event{Name: name, SessionID: f[events.KeySocket].GetStringValue()}
	switch name {
	case events.Error:
		e.Message = f[events.KeyErrorMessage].GetStringValue()
	case events.Disconnected:
		e.Message = f[events.KeyMessage].GetStringValue()
	case events.ReceivedData:
		data, err := base64.StdEncoding.DecodeString(f[events.KeyData].GetStringValue())
		if err != nil {
			return events.Event{}, err
		}
		e.Data = data
	}
	return e, nil
}
