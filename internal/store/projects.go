package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Project groups tasks that share a repository and budget.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	RepoURL     string    `json:"repo_url,omitempty"`
	WorkDir     string    `json:"work_dir,omitempty"`
	BudgetLimit float64   `json:"budget_limit"`
	BudgetUsed  float64   `json:"budget_used"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreateProject inserts a project, generating an id when empty.
func (s *Store) CreateProject(ctx context.Context, p *Project) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.Exec(ctx, `INSERT INTO projects (id, name, repo_url, work_dir, budget_limit, budget_used, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, NullString(p.RepoURL), NullString(p.WorkDir), p.BudgetLimit, p.BudgetUsed, FormatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

// GetProject returns a project by id.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	var (
		p         Project
		repo, dir sql.NullString
		created   string
	)
	err := s.QueryRow(ctx, `SELECT id, name, repo_url, work_dir, budget_limit, budget_used, created_at
		FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &repo, &dir, &p.BudgetLimit, &p.BudgetUsed, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project %s: %w", id, err)
	}
	p.RepoURL, p.WorkDir = repo.String, dir.String
	if p.CreatedAt, err = ParseTime(created); err != nil {
		return nil, err
	}
	return &p, nil
}

// AddBudgetUsed increments a project's spent budget.
func (s *Store) AddBudgetUsed(ctx context.Context, id string, amount float64) error {
	res, err := s.Exec(ctx, `UPDATE projects SET budget_used = budget_used + ? WHERE id = ?`, amount, id)
	if err != nil {
		return fmt.Errorf("failed to update budget of project %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return nil
}
