package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

type Outcome string

const (
	OutcomeEnded     Outcome = "ended"
	OutcomeMissed    Outcome = "missed"
	OutcomeDeclined  Outcome = "declined"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// CallRecord is one finished call.
type CallRecord struct {
	CallID       string    `json:"callId"`
	ChatID       string    `json:"chatId"`
	Kind         string    `json:"kind"`
	Group        bool      `json:"group"`
	Direction    string    `json:"direction"` // "outgoing" or "incoming"
	Outcome      Outcome   `json:"outcome"`
	Reason       string    `json:"reason,omitempty"`
	Participants []string  `json:"participants"`
	StartedAt    time.Time `json:"startedAt"`
	ConnectedAt  time.Time `json:"connectedAt,omitzero"`
	EndedAt      time.Time `json:"endedAt"`
}

// Duration is the connected time, zero for calls that never connected.
func (r CallRecord) Duration() time.Duration {
	if r.ConnectedAt.IsZero() || r.EndedAt.Before(r.ConnectedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.ConnectedAt)
}

var ErrNotFound = errors.New("storage: not found")

// RecordCall stores r, replacing an earlier row for the same call.
func (d *DB) RecordCall(r CallRecord) error {
	if r.CallID == "" {
		return errors.New("storage: call id required")
	}
	if r.Participants == nil {
		r.Participants = []string{}
	}
	parts, err := json.Marshal(r.Participants)
	if err != nil {
		return err
	}
	grp := 0
	if r.Group {
		grp = 1
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	_, err = d.db.Exec(`
		INSERT INTO calls
			(call_id, chat_id, kind, is_group, direction, outcome, reason,
			 participants, started_at, connected_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(call_id) DO UPDATE SET
			outcome      = excluded.outcome,
			reason       = excluded.reason,
			participants = excluded.participants,
			connected_at = excluded.connected_at,
			ended_at     = excluded.ended_at`,
		r.CallID, r.ChatID, r.Kind, grp, r.Direction, string(r.Outcome), r.Reason,
		string(parts), millis(r.StartedAt), millis(r.ConnectedAt), millis(r.EndedAt),
	)
	return err
}

// ListCalls returns up to limit calls, most recent first. limit <= 0
// returns everything.
func (d *DB) ListCalls(limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`
		SELECT call_id, chat_id, kind, is_group, direction, outcome, reason,
		       participants, started_at, connected_at, ended_at
		FROM calls ORDER BY ended_at DESC, call_id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		r, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (d *DB) GetCall(callID string) (CallRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, err := scanCall(d.db.QueryRow(`
		SELECT call_id, chat_id, kind, is_group, direction, outcome, reason,
		       participants, started_at, connected_at, ended_at
		FROM calls WHERE call_id = ?`, callID))
	if errors.Is(err, sql.ErrNoRows) {
		return CallRecord{}, ErrNotFound
	}
	return r, err
}

// PruneCalls deletes calls that ended before cutoff and reports how many
// were removed.
func (d *DB) PruneCalls(cutoff time.Time) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.Exec(`DELETE FROM calls WHERE ended_at < ?`, millis(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCall(s scanner) (CallRecord, error) {
	var r CallRecord
	var grp int
	var outcome, parts string
	var started, connected, ended int64
	if err := s.Scan(&r.CallID, &r.ChatID, &r.Kind, &grp, &r.Direction, &outcome, &r.Reason,
		&parts, &started, &connected, &ended); err != nil {
		return CallRecord{}, err
	}
	r.Group = grp != 0
	r.Outcome = Outcome(outcome)
	_ = json.Unmarshal([]byte(parts), &r.Participants)
	r.StartedAt = fromMillis(started)
	r.ConnectedAt = fromMillis(connected)
	r.EndedAt = fromMillis(ended)
	return r, nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
