package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/Resinat/gostgen/internal/topology"
	"github.com/google/uuid"
)

// Run is one recorded reconciliation pass.
type Run struct {
	ID               string
	StartedAt        time.Time
	FinishedAt       time.Time
	Changed          bool
	TopologySkipped  bool
	RelayFingerprint string
	RelayCount       int
	ServiceCount     int
	ChainCount       int
	Exhausted        []string
	Error            string
}

// Window is the port window a city group held after a run.
type Window struct {
	GroupKey     string
	StartPort    int
	ServiceCount int
	RunID        string
	UpdatedAt    time.Time
}

// NewRunID returns a fresh run identifier.
func NewRunID() string { return uuid.NewString() }

// WindowsOf derives the group windows from the listeners of a pass.
func WindowsOf(proxies []topology.Proxy) []Window {
	byKey := make(map[string]*Window)
	var order []string
	for _, p := range proxies {
		key := strings.ToLower(p.Group.Key())
		w, ok := byKey[key]
		if !ok {
			w = &Window{GroupKey: key, StartPort: p.Port}
			byKey[key] = w
			order = append(order, key)
		}
		w.StartPort = min(w.StartPort, p.Port)
		w.ServiceCount++
	}
	out := make([]Window, 0, len(order))
	for _, key := range order {
		out = append(out, *byKey[key])
	}
	return out
}

// Journal wraps the journal database.
type Journal struct {
	db *sql.DB
}

// OpenJournal opens the journal at path and applies pending migrations.
func OpenJournal(path string) (*Journal, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := MigrateJournalDB(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error { return j.db.Close() }

const insertRunSQL = `
INSERT INTO runs (
	id, started_at_ns, finished_at_ns, changed, topology_skipped,
	relay_fingerprint, relay_count, service_count, chain_count,
	exhausted_json, error
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const upsertWindowSQL = `
INSERT INTO group_windows (group_key, start_port, service_count, run_id, updated_at_ns)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(group_key) DO UPDATE SET
	start_port    = excluded.start_port,
	service_count = excluded.service_count,
	run_id        = excluded.run_id,
	updated_at_ns = excluded.updated_at_ns`

// RecordRun stores run and upserts the given group windows in one
// transaction. Windows of groups not listed are left as they are.
func (j *Journal) RecordRun(run Run, windows []Window) error {
	if run.ID == "" {
		return errors.New("record run: empty id")
	}
	exhausted := run.Exhausted
	if exhausted == nil {
		exhausted = []string{}
	}
	exhaustedJSON, err := json.Marshal(exhausted)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}

	tx, err := j.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(insertRunSQL,
		run.ID,
		run.StartedAt.UnixNano(),
		run.FinishedAt.UnixNano(),
		boolToInt(run.Changed),
		boolToInt(run.TopologySkipped),
		run.RelayFingerprint,
		run.RelayCount,
		run.ServiceCount,
		run.ChainCount,
		string(exhaustedJSON),
		run.Error,
	); err != nil {
		return fmt.Errorf("record run %s: %w", run.ID, err)
	}

	if len(windows) > 0 {
		stmt, err := tx.Prepare(upsertWindowSQL)
		if err != nil {
			return err
		}
		defer stmt.Close()
		now := run.FinishedAt.UnixNano()
		for _, w := range windows {
			if _, err := stmt.Exec(w.GroupKey, w.StartPort, w.ServiceCount, run.ID, now); err != nil {
				return fmt.Errorf("record window %s: %w", w.GroupKey, err)
			}
		}
	}
	return tx.Commit()
}

// LastRun returns the most recently started run, or ErrNotFound.
func (j *Journal) LastRun() (Run, error) {
	return j.lastRun(`SELECT id, started_at_ns, finished_at_ns, changed, topology_skipped,
		relay_fingerprint, relay_count, service_count, chain_count, exhausted_json, error
		FROM runs ORDER BY started_at_ns DESC LIMIT 1`)
}

// LastAppliedRun returns the most recent run that applied relay data.
func (j *Journal) LastAppliedRun() (Run, error) {
	return j.lastRun(`SELECT id, started_at_ns, finished_at_ns, changed, topology_skipped,
		relay_fingerprint, relay_count, service_count, chain_count, exhausted_json, error
		FROM runs WHERE topology_skipped = 0 AND error = ''
		ORDER BY started_at_ns DESC LIMIT 1`)
}

func (j *Journal) lastRun(query string) (Run, error) {
	var (
		run                 Run
		startedNs, finished int64
		changed, skipped    int
		exhaustedJSON       string
	)
	err := j.db.QueryRow(query).Scan(
		&run.ID, &startedNs, &finished, &changed, &skipped,
		&run.RelayFingerprint, &run.RelayCount, &run.ServiceCount, &run.ChainCount,
		&exhaustedJSON, &run.Error,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, err
	}
	run.StartedAt = time.Unix(0, startedNs)
	run.FinishedAt = time.Unix(0, finished)
	run.Changed = changed != 0
	run.TopologySkipped = skipped != 0
	if err := json.Unmarshal([]byte(exhaustedJSON), &run.Exhausted); err != nil {
		return Run{}, fmt.Errorf("decode exhausted groups of run %s: %w", run.ID, err)
	}
	return run, nil
}

// Windows returns all recorded group windows ordered by start port.
func (j *Journal) Windows() ([]Window, error) {
	rows, err := j.db.Query(`SELECT group_key, start_port, service_count, run_id, updated_at_ns FROM group_windows`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Window
	for rows.Next() {
		var (
			w         Window
			updatedNs int64
		)
		if err := rows.Scan(&w.GroupKey, &w.StartPort, &w.ServiceCount, &w.RunID, &updatedNs); err != nil {
			return nil, err
		}
		w.UpdatedAt = time.Unix(0, updatedNs)
		result = append(result, w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.SortFunc(result, func(a, b Window) int { return a.StartPort - b.StartPort })
	return result, nil
}

// PruneWindows deletes the windows of groups not in keep.
func (j *Journal) PruneWindows(keep []Window) (int64, error) {
	keys := make([]any, 0, len(keep))
	placeholders := make([]string, 0, len(keep))
	for _, w := range keep {
		keys = append(keys, w.GroupKey)
		placeholders = append(placeholders, "?")
	}
	query := "DELETE FROM group_windows"
	if len(keys) > 0 {
		query += " WHERE group_key NOT IN (" + strings.Join(placeholders, ", ") + ")"
	}
	res, err := j.db.Exec(query, keys...)
	if err != nil {
		return 0, fmt.Errorf("prune windows: %w", err)
	}
	return res.RowsAffected()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
