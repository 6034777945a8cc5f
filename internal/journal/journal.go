// Package journal keeps a SQLite history of manager events and connection
// state changes so they can be listed after the fact.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/linuxdeveloper/ast-api/internal/events"
	"github.com/linuxdeveloper/ast-api/internal/util"
	"github.com/rs/zerolog"
)

const subscriberName = "journal"

// Entry is one journaled manager event.
type Entry struct {
	ID         int64             `json:"id"`
	Name       string            `json:"name"`
	Source     string            `json:"source"`
	Headers    map[string]string `json:"headers"`
	Data       []string          `json:"data,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
}

// ConnectionRecord is one journaled connection state change.
type ConnectionRecord struct {
	ID      int64     `json:"id"`
	Address string    `json:"address"`
	State   string    `json:"state"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// Journal stores manager events in SQLite.
type Journal struct {
	db     *store
	logger zerolog.Logger
}

// Open opens (or creates) the journal at path and migrates its schema.
func Open(path string) (*Journal, error) {
	logger := util.ComponentLogger("journal")
	db, err := openStore(path, logger)
	if err != nil {
		return nil, err
	}
	return &Journal{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.close()
}

// Record stores one event.
func (j *Journal) Record(e Entry) (int64, error) {
	headers, err := json.Marshal(e.Headers)
	if err != nil {
		return 0, fmt.Errorf("failed to encode headers: %w", err)
	}
	data, err := json.Marshal(e.Data)
	if err != nil {
		return 0, fmt.Errorf("failed to encode data: %w", err)
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now()
	}

	res, err := j.db.exec(
		`INSERT INTO manager_events (name, source, headers, data, received_at) VALUES (?, ?, ?, ?, ?)`,
		e.Name, e.Source, string(headers), string(data), e.ReceivedAt.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to record event %s: %w", e.Name, err)
	}
	return res.LastInsertId()
}

// RecordConnection stores a connection state change.
func (j *Journal) RecordConnection(r ConnectionRecord) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := j.db.exec(
		`INSERT INTO connection_log (address, state, reason, at) VALUES (?, ?, ?, ?)`,
		r.Address, r.State, r.Reason, r.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record connection change: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first. A non-empty name filters
// by event name, case-insensitively.
func (j *Journal) Recent(limit int, name string) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	var (
		rows *sql.Rows
		err  error
	)
	if name == "" {
		rows, err = j.db.query(
			`SELECT id, name, source, headers, data, received_at FROM manager_events
			 ORDER BY received_at DESC, id DESC LIMIT ?`, limit)
	} else {
		rows, err = j.db.query(
			`SELECT id, name, source, headers, data, received_at FROM manager_events
			 WHERE name = ? COLLATE NOCASE ORDER BY received_at DESC, id DESC LIMIT ?`, name, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e             Entry
			headers, data string
			receivedAt    int64
		)
		if err := rows.Scan(&e.ID, &e.Name, &e.Source, &headers, &data, &receivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(headers), &e.Headers); err != nil {
			return nil, fmt.Errorf("corrupt headers in event %d: %w", e.ID, err)
		}
		if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
			return nil, fmt.Errorf("corrupt data in event %d: %w", e.ID, err)
		}
		e.ReceivedAt = time.Unix(0, receivedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Connections returns up to limit connection changes, newest first.
func (j *Journal) Connections(limit int) ([]ConnectionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.query(
		`SELECT id, address, state, reason, at FROM connection_log ORDER BY at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query connection log: %w", err)
	}
	defer rows.Close()

	var out []ConnectionRecord
	for rows.Next() {
		var (
			r  ConnectionRecord
			at int64
		)
		if err := rows.Scan(&r.ID, &r.Address, &r.State, &r.Reason, &at); err != nil {
			return nil, fmt.Errorf("failed to scan connection record: %w", err)
		}
		r.At = time.Unix(0, at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count returns the number of journaled events.
func (j *Journal) Count() (int, error) {
	var n int
	if err := j.db.queryRow(`SELECT COUNT(*) FROM manager_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// Prune deletes everything recorded before the cutoff and returns the number
// of events removed.
func (j *Journal) Prune(before time.Time) (int64, error) {
	removed, err := j.db.prune(before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}

	j.logger.Info().
		Int64("events", removed["manager_events"]).
		Int64("connections", removed["connection_log"]).
		Time("before", before).
		Msg("journal pruned")
	return removed["manager_events"], nil
}

// Attach subscribes the journal to manager traffic on the bus.
func (j *Journal) Attach(bus *events.EventBus) {
	bus.Subscribe(events.EventManagerEvent, subscriberName, j.onManagerEvent)
	for _, t := range []events.EventType{
		events.EventManagerConnected,
		events.EventManagerDisconnected,
		events.EventManagerShutdown,
	} {
		bus.Subscribe(t, subscriberName, j.onConnection)
	}
}

func (j *Journal) onManagerEvent(_ context.Context, ev events.Event) error {
	p, ok := ev.Payload.(events.ManagerEventPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", ev.Payload)
	}
	_, err := j.Record(Entry{
		Name:       p.Name,
		Source:     p.Source,
		Headers:    p.Headers,
		Data:       p.Data,
		ReceivedAt: p.ReceivedAt,
	})
	return err
}

func (j *Journal) onConnection(_ context.Context, ev events.Event) error {
	p, ok := ev.Payload.(events.ConnectionPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", ev.Payload)
	}
	return j.RecordConnection(ConnectionRecord{
		Address: p.Address,
		State:   p.State.String(),
		Reason:  p.Reason,
		At:      p.At,
	})
}
