package memory

import (
	"database/sql"
	"fmt"
	"time"
)

// WorkflowSchedule is a recurring (or one-shot) workflow submission.
// Spec holds the workflow definition JSON submitted on each run.
type WorkflowSchedule struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Schedule   string     `json:"schedule"`
	Spec       string     `json:"spec"`
	Status     string     `json:"status"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func scanSchedule(scanner interface {
	Scan(dest ...any) error
}) (*WorkflowSchedule, error) {
	ws := &WorkflowSchedule{}
	var lastStatus, lastError *string
	err := scanner.Scan(&ws.ID, &ws.Name, &ws.Schedule, &ws.Spec, &ws.Status,
		&ws.NextRunAt, &ws.LastRunAt, &lastStatus, &lastError, &ws.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lastStatus != nil {
		ws.LastStatus = *lastStatus
	}
	if lastError != nil {
		ws.LastError = *lastError
	}
	return ws, nil
}

func (s *Store) SaveSchedule(ws *WorkflowSchedule) error {
	_, err := s.db.Exec(`
		INSERT INTO workflow_schedules (id, name, schedule, spec, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			schedule = excluded.schedule,
			spec = excluded.spec,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		ws.ID, ws.Name, ws.Schedule, ws.Spec, ws.Status, ws.NextRunAt)
	if err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

func (s *Store) GetSchedule(id string) (*WorkflowSchedule, error) {
	row := s.db.QueryRow(`
		SELECT id, name, schedule, spec, status,
		       next_run_at, last_run_at, last_status, last_error, created_at
		FROM workflow_schedules WHERE id = ?`, id)
	ws, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return ws, nil
}

func (s *Store) ListSchedules() ([]WorkflowSchedule, error) {
	rows, err := s.db.Query(`
		SELECT id, name, schedule, spec, status,
		       next_run_at, last_run_at, last_status, last_error, created_at
		FROM workflow_schedules ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []WorkflowSchedule
	for rows.Next() {
		ws, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		schedules = append(schedules, *ws)
	}
	return schedules, rows.Err()
}

func (s *Store) GetDueSchedules(now time.Time) ([]WorkflowSchedule, error) {
	rows, err := s.db.Query(`
		SELECT id, name, schedule, spec, status,
		       next_run_at, last_run_at, last_status, last_error, created_at
		FROM workflow_schedules
		WHERE status = 'active' AND next_run_at <= ?
		ORDER BY next_run_at`, now)
	if err != nil {
		return nil, fmt.Errorf("get due schedules: %w", err)
	}
	defer rows.Close()

	var schedules []WorkflowSchedule
	for rows.Next() {
		ws, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		schedules = append(schedules, *ws)
	}
	return schedules, rows.Err()
}

func (s *Store) UpdateScheduleRun(id string, lastStatus string, lastError string, nextRunAt *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE workflow_schedules
		SET last_run_at = CURRENT_TIMESTAMP, last_status = ?, last_error = ?, next_run_at = ?
		WHERE id = ?`, lastStatus, lastError, nextRunAt, id)
	return err
}

func (s *Store) UpdateScheduleStatus(id string, status string) error {
	_, err := s.db.Exec(`UPDATE workflow_schedules SET status = ? WHERE id = ?`, status, id)
	return err
}

func (s *Store) DeleteSchedule(id string) error {
	_, err := s.db.Exec(`DELETE FROM workflow_schedules WHERE id = ?`, id)
	return err
}
