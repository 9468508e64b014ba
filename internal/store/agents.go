package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Agent is a user-defined reusable assistant configuration built through
// the agent-create chat flow.
type Agent struct {
	ID             string   `json:"id"`
	UserID         string   `json:"userId"`
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	Status         string   `json:"status"`
	Tags           []string `json:"tags"`
	Color          string   `json:"color"`
	Icon           string   `json:"icon"`
	TotalRuns      int      `json:"totalRuns"`
	SuccessfulRuns int      `json:"successfulRuns"`
	LastRunAt      string   `json:"lastRunAt,omitempty"`
	CreatedAt      string   `json:"createdAt"`
	UpdatedAt      string   `json:"updatedAt"`
}

// CreateAgent inserts a new agent owned by userID and returns it with
// its generated ID and timestamps filled in.
func (s *Store) CreateAgent(userID string, a Agent) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.Name == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	a.ID = newID()
	a.UserID = userID
	if a.Status == "" {
		a.Status = "active"
	}
	if a.Color == "" {
		a.Color = "#3B82F6"
	}
	if a.Tags == nil {
		a.Tags = []string{}
	}
	now := time.Now().UTC().Format(time.RFC3339)
	a.CreatedAt = now
	a.UpdatedAt = now

	tags, err := json.Marshal(a.Tags)
	if err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}

	if _, err := s.db.Exec(`
		INSERT INTO agents (id, user_id, name, description, status, tags, color, icon, total_runs, successful_runs, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?)`,
		a.ID, a.UserID, a.Name, a.Description, a.Status, string(tags), a.Color, a.Icon, a.CreatedAt, a.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert agent: %w", err)
	}
	return &a, nil
}

// GetAgent returns an agent by ID, or nil when absent.
func (s *Store) GetAgent(id string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getAgent(id)
}

func (s *Store) getAgent(id string) (*Agent, error) {
	var a Agent
	var tags string
	var lastRun sql.NullString
	err := s.db.QueryRow(`
		SELECT id, user_id, name, description, status, tags, color, icon, total_runs, successful_runs, last_run_at, created_at, updated_at
		FROM agents WHERE id = ?`, id,
	).Scan(&a.ID, &a.UserID, &a.Name, &a.Description, &a.Status, &tags, &a.Color, &a.Icon, &a.TotalRuns, &a.SuccessfulRuns, &lastRun, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &a.Tags); err != nil {
		a.Tags = []string{}
	}
	a.LastRunAt = lastRun.String
	return &a, nil
}

// ListAgents returns all agents owned by userID, newest first.
func (s *Store) ListAgents(userID string) ([]Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, user_id, name, description, status, tags, color, icon, total_runs, successful_runs, last_run_at, created_at, updated_at
		FROM agents WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		var a Agent
		var tags string
		var lastRun sql.NullString
		if err := rows.Scan(&a.ID, &a.UserID, &a.Name, &a.Description, &a.Status, &tags, &a.Color, &a.Icon, &a.TotalRuns, &a.SuccessfulRuns, &lastRun, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent row: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &a.Tags); err != nil {
			a.Tags = []string{}
		}
		a.LastRunAt = lastRun.String
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// UpdateAgent applies the given field changes to an agent. Nil pointer
// fields are left untouched. Returns the updated agent, or nil when the
// agent does not exist.
func (s *Store) UpdateAgent(id string, name, description, status, color, icon *string, tags *[]string) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.getAgent(id)
	if err != nil || a == nil {
		return a, err
	}

	if name != nil {
		a.Name = *name
	}
	if description != nil {
		a.Description = *description
	}
	if status != nil {
		a.Status = *status
	}
	if color != nil {
		a.Color = *color
	}
	if icon != nil {
		a.Icon = *icon
	}
	if tags != nil {
		a.Tags = *tags
	}
	a.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

	encoded, err := json.Marshal(a.Tags)
	if err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}
	if _, err := s.db.Exec(`
		UPDATE agents SET name = ?, description = ?, status = ?, tags = ?, color = ?, icon = ?, updated_at = ?
		WHERE id = ?`,
		a.Name, a.Description, a.Status, string(encoded), a.Color, a.Icon, a.UpdatedAt, id,
	); err != nil {
		return nil, fmt.Errorf("update agent: %w", err)
	}
	return a, nil
}

// DeleteAgent removes an agent. It reports whether a row was deleted.
func (s *Store) DeleteAgent(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM agents WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("delete agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete agent rows affected: %w", err)
	}
	return n > 0, nil
}

// RecordAgentRun bumps an agent's run counters and last-run timestamp.
func (s *Store) RecordAgentRun(id string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	successBump := 0
	if success {
		successBump = 1
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE agents SET total_runs = total_runs + 1, successful_runs = successful_runs + ?, last_run_at = ?, updated_at = ?
		WHERE id = ?`,
		successBump, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("record agent run: %w", err)
	}
	return nil
}
