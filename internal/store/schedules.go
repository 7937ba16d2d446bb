package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ScheduleStatus is the run-state of a scheduled scan.
type ScheduleStatus string

const (
	ScheduleStatusNone    ScheduleStatus = "none"
	ScheduleStatusRunning ScheduleStatus = "running"
	ScheduleStatusSuccess ScheduleStatus = "success"
	ScheduleStatusError   ScheduleStatus = "error"
)

// ScheduledScan is a user-configured recurring scan. The evaluator mutates
// only the status fields; everything else is user CRUD.
type ScheduledScan struct {
	ID        string         `json:"id"`
	Label     string         `json:"label"`
	TimeOfDay string         `json:"time_of_day"` // "HH:MM"
	Timezone  string         `json:"timezone"`    // IANA name
	Days      []time.Weekday `json:"days,omitempty"`
	Accounts  []string       `json:"accounts"`
	RangeDays int            `json:"range_days"`
	UserID    string         `json:"user_id"`
	Enabled   bool           `json:"enabled"`

	Status      ScheduleStatus `json:"status"`
	LastRunAt   time.Time      `json:"last_run_at,omitempty"`
	LastMessage string         `json:"last_message,omitempty"`
}

// CreateSchedule inserts a schedule and returns its id.
func (s *Store) CreateSchedule(sc ScheduledScan) (string, error) {
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	if sc.Status == "" {
		sc.Status = ScheduleStatusNone
	}

	daysJSON, _ := json.Marshal(sc.Days)
	accountsJSON, _ := json.Marshal(sc.Accounts)

	_, err := s.db.Exec(`
		INSERT INTO schedules (id, label, time_of_day, timezone, days_json, accounts_json, range_days, user_id, enabled, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sc.ID, sc.Label, sc.TimeOfDay, sc.Timezone, string(daysJSON),
		string(accountsJSON), sc.RangeDays, sc.UserID, sc.Enabled, sc.Status)
	if err != nil {
		return "", err
	}
	return sc.ID, nil
}

// SetScheduleEnabled flips the enabled flag; schedules are never deleted
// automatically.
func (s *Store) SetScheduleEnabled(id string, enabled bool) error {
	_, err := s.db.Exec(`UPDATE schedules SET enabled = ? WHERE id = ?`, enabled, id)
	return err
}

// ListSchedules returns every schedule.
func (s *Store) ListSchedules() ([]ScheduledScan, error) {
	return s.querySchedules(`SELECT id, label, time_of_day, timezone, days_json, accounts_json,
		range_days, user_id, enabled, status, last_run_at, last_message FROM schedules`)
}

// ListEnabledSchedules returns the schedules the evaluator considers.
func (s *Store) ListEnabledSchedules() ([]ScheduledScan, error) {
	return s.querySchedules(`SELECT id, label, time_of_day, timezone, days_json, accounts_json,
		range_days, user_id, enabled, status, last_run_at, last_message FROM schedules WHERE enabled = 1`)
}

func (s *Store) querySchedules(query string, args ...any) ([]ScheduledScan, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []ScheduledScan
	for rows.Next() {
		var sc ScheduledScan
		var daysJSON, accountsJSON string
		var lastRunAt sql.NullTime
		var lastMessage sql.NullString

		err := rows.Scan(&sc.ID, &sc.Label, &sc.TimeOfDay, &sc.Timezone, &daysJSON,
			&accountsJSON, &sc.RangeDays, &sc.UserID, &sc.Enabled, &sc.Status,
			&lastRunAt, &lastMessage)
		if err != nil {
			return nil, err
		}

		json.Unmarshal([]byte(daysJSON), &sc.Days)
		json.Unmarshal([]byte(accountsJSON), &sc.Accounts)
		if lastRunAt.Valid {
			sc.LastRunAt = lastRunAt.Time
		}
		if lastMessage.Valid {
			sc.LastMessage = lastMessage.String
		}

		schedules = append(schedules, sc)
	}
	return schedules, rows.Err()
}

// ClaimScheduleRun transitions a schedule to running, guarded so a schedule
// already running cannot be claimed twice. Returns false when the claim lost.
func (s *Store) ClaimScheduleRun(id string, at time.Time) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE schedules SET status = ?, last_run_at = ?, last_message = ''
		WHERE id = ? AND status != ?
	`, ScheduleStatusRunning, at, id, ScheduleStatusRunning)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FinishScheduleRun records the run outcome. Guarded on running status so a
// late write cannot clobber a newer run's state.
func (s *Store) FinishScheduleRun(id string, status ScheduleStatus, message string) error {
	res, err := s.db.Exec(`
		UPDATE schedules SET status = ?, last_message = ?
		WHERE id = ? AND status = ?
	`, status, message, id, ScheduleStatusRunning)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("schedule %s is not running", id)
	}
	return nil
}

// ResetStaleRunning force-fails schedules stuck in running longer than the
// threshold. The conditional WHERE guards against clobbering a schedule that
// just finished. Returns how many were reset.
func (s *Store) ResetStaleRunning(threshold time.Duration) (int, error) {
	cutoff := time.Now().Add(-threshold)
	res, err := s.db.Exec(`
		UPDATE schedules SET status = ?, last_message = 'run timed out and was reset'
		WHERE status = ? AND last_run_at < ?
	`, ScheduleStatusError, ScheduleStatusRunning, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
