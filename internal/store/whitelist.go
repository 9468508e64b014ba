package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// WhitelistEntry grants an email address access to the beta service.
type WhitelistEntry struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Status  string `json:"status"`
	Notes   string `json:"notes"`
	AddedBy string `json:"addedBy"`
	AddedAt string `json:"addedAt"`
}

// BetaApplication is a signup request awaiting whitelist review.
type BetaApplication struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	Company    string `json:"company"`
	UseCase    string `json:"useCase"`
	Experience string `json:"experience"`
	Status     string `json:"status"`
	AppliedAt  string `json:"appliedAt"`
}

// AddToWhitelist inserts an email grant. Emails are normalized to lower
// case before storage and lookup.
func (s *Store) AddToWhitelist(email, name, notes, addedBy string) (*WhitelistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, fmt.Errorf("email is required")
	}

	e := WhitelistEntry{
		ID:      newID(),
		Email:   email,
		Name:    name,
		Status:  "active",
		Notes:   notes,
		AddedBy: addedBy,
		AddedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if _, err := s.db.Exec(
		"INSERT INTO whitelist (id, email, name, status, notes, added_by, added_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		e.ID, e.Email, e.Name, e.Status, e.Notes, e.AddedBy, e.AddedAt,
	); err != nil {
		return nil, fmt.Errorf("insert whitelist entry: %w", err)
	}
	return &e, nil
}

// IsWhitelisted reports whether an email has an active grant.
func (s *Store) IsWhitelisted(email string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	email = strings.ToLower(strings.TrimSpace(email))
	var id string
	err := s.db.QueryRow(
		"SELECT id FROM whitelist WHERE email = ? AND status = 'active' LIMIT 1", email,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check whitelist: %w", err)
	}
	return true, nil
}

// ListWhitelist returns all grants, newest first.
func (s *Store) ListWhitelist() ([]WhitelistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT id, email, name, status, notes, added_by, added_at FROM whitelist ORDER BY added_at DESC")
	if err != nil {
		return nil, fmt.Errorf("list whitelist: %w", err)
	}
	defer rows.Close()

	var entries []WhitelistEntry
	for rows.Next() {
		var e WhitelistEntry
		if err := rows.Scan(&e.ID, &e.Email, &e.Name, &e.Status, &e.Notes, &e.AddedBy, &e.AddedAt); err != nil {
			return nil, fmt.Errorf("scan whitelist row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RemoveFromWhitelist deletes a grant by ID. It reports whether a row
// was deleted.
func (s *Store) RemoveFromWhitelist(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM whitelist WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("remove whitelist entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove whitelist rows affected: %w", err)
	}
	return n > 0, nil
}

// SubmitBetaApplication records a signup request. A second application
// with the same email is rejected.
func (s *Store) SubmitBetaApplication(email, name, company, useCase, experience string) (*BetaApplication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || name == "" || useCase == "" {
		return nil, fmt.Errorf("email, name and use case are required")
	}

	var existing string
	err := s.db.QueryRow("SELECT id FROM beta_applications WHERE email = ? LIMIT 1", email).Scan(&existing)
	if err == nil {
		return nil, ErrDuplicateApplication
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("check existing application: %w", err)
	}

	a := BetaApplication{
		ID:         newID(),
		Email:      email,
		Name:       name,
		Company:    company,
		UseCase:    useCase,
		Experience: experience,
		Status:     "pending",
		AppliedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	if _, err := s.db.Exec(
		"INSERT INTO beta_applications (id, email, name, company, use_case, experience, status, applied_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		a.ID, a.Email, a.Name, a.Company, a.UseCase, a.Experience, a.Status, a.AppliedAt,
	); err != nil {
		return nil, fmt.Errorf("insert beta application: %w", err)
	}
	return &a, nil
}

// ErrDuplicateApplication is returned when an email applies twice.
var ErrDuplicateApplication = fmt.Errorf("an application for this email already exists")

// ListBetaApplications returns all applications, newest first.
func (s *Store) ListBetaApplications() ([]BetaApplication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT id, email, name, company, use_case, experience, status, applied_at FROM beta_applications ORDER BY applied_at DESC")
	if err != nil {
		return nil, fmt.Errorf("list beta applications: %w", err)
	}
	defer rows.Close()

	var apps []BetaApplication
	for rows.Next() {
		var a BetaApplication
		if err := rows.Scan(&a.ID, &a.Email, &a.Name, &a.Company, &a.UseCase, &a.Experience, &a.Status, &a.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan application row: %w", err)
		}
		apps = append(apps, a)
	}
	return apps, rows.Err()
}
