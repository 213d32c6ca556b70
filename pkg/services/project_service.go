package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/scopeflow/scopeflow/pkg/database"
	"github.com/scopeflow/scopeflow/pkg/models"
)

// ProjectService reads project records and answers membership checks.
// Membership answers are cached briefly; WebSocket subscribe and every
// authenticated HTTP request hit this path.
type ProjectService struct {
	db         *sql.DB
	membership *gocache.Cache
}

// NewProjectService creates a new ProjectService
func NewProjectService(client *database.Client) *ProjectService {
	return &ProjectService{
		db:         client.DB(),
		membership: gocache.New(30*time.Second, 2*time.Minute),
	}
}

// CreateProject creates a project record. Project CRUD is owned by an
// external system; this exists for provisioning and tests.
func (s *ProjectService) CreateProject(ctx context.Context, p *models.Project) (*models.Project, error) {
	if p.ID == "" {
		return nil, NewValidationError("id", "required")
	}
	if p.Name == "" {
		return nil, NewValidationError("name", "required")
	}
	if p.OwnerID == "" {
		return nil, NewValidationError("ownerId", "required")
	}
	if p.RootDir == "" {
		return nil, NewValidationError("rootDir", "required")
	}

	members, err := json.Marshal(p.MemberIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal member ids: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, owner_id, member_ids, root_dir, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.Name, p.OwnerID, members, p.RootDir, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("project %s: %w", p.ID, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("failed to insert project: %w", err)
	}

	created := *p
	created.CreatedAt = now
	return &created, nil
}

// GetProject returns one project by id.
func (s *ProjectService) GetProject(ctx context.Context, id string) (*models.Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, owner_id, member_ids, root_dir, created_at
		 FROM projects WHERE id = $1`, id)

	var p models.Project
	var members []byte
	if err := row.Scan(&p.ID, &p.Name, &p.OwnerID, &members, &p.RootDir, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query project: %w", err)
	}
	if err := json.Unmarshal(members, &p.MemberIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal member ids: %w", err)
	}
	return &p, nil
}

// IsMember reports whether userID is the owner or a member of the project.
// Answers are cached for a short TTL.
func (s *ProjectService) IsMember(ctx context.Context, projectID, userID string) (bool, error) {
	key := projectID + "\x00" + userID
	if v, ok := s.membership.Get(key); ok {
		return v.(bool), nil
	}

	p, err := s.GetProject(ctx, projectID)
	if err != nil {
		return false, err
	}

	member := p.HasMember(userID)
	s.membership.Set(key, member, gocache.DefaultExpiration)
	return member, nil
}

// InvalidateMembership drops cached answers for one project, for callers
// that mutate membership out of band.
func (s *ProjectService) InvalidateMembership(projectID string) {
	for key := range s.membership.Items() {
		if len(key) > len(projectID) && key[:len(projectID)] == projectID && key[len(projectID)] == '\x00' {
			s.membership.Delete(key)
		}
	}
}
