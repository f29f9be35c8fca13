// Package directory exposes the organization membership roster. The roster
// is owned by the user/organization module of the surrounding product; the
// messaging core only reads it to validate conversation participants and to
// render the member list.
package directory

import (
	"context"
	"database/sql"
	"fmt"
)

// Member is one row of an organization's roster.
type Member struct {
	UserID    string `json:"userId"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
}

// Directory answers membership questions for an organization.
type Directory interface {
	// ListMembers returns the full roster of an organization.
	ListMembers(ctx context.Context, orgID string) ([]Member, error)

	// IsMember reports whether a user belongs to an organization.
	IsMember(ctx context.Context, orgID, userID string) (bool, error)
}

// SQLDirectory reads the roster from the shared org_members table.
type SQLDirectory struct {
	db *sql.DB
}

// NewSQLDirectory creates a Directory backed by the given database handle.
func NewSQLDirectory(db *sql.DB) *SQLDirectory {
	return &SQLDirectory{db: db}
}

// ListMembers returns all members of the organization ordered by name.
func (d *SQLDirectory) ListMembers(ctx context.Context, orgID string) ([]Member, error) {
	const query = `
		SELECT user_id, first_name, last_name, email
		FROM org_members
		WHERE org_id = $1
		ORDER BY first_name, last_name, user_id`

	rows, err := d.db.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("directory: list members: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.UserID, &m.FirstName, &m.LastName, &m.Email); err != nil {
			return nil, fmt.Errorf("directory: scan member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("directory: list members: %w", err)
	}
	return members, nil
}

// IsMember reports whether the user belongs to the organization.
func (d *SQLDirectory) IsMember(ctx context.Context, orgID, userID string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM org_members WHERE org_id = $1 AND user_id = $2
		)`

	var ok bool
	if err := d.db.QueryRowContext(ctx, query, orgID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("directory: is member: %w", err)
	}
	return ok, nil
}

// StaticDirectory is a fixed in-memory roster, used by tests and local
// development without a populated org_members table.
type StaticDirectory map[string][]Member

// ListMembers returns the configured roster for the organization.
func (d StaticDirectory) ListMembers(_ context.Context, orgID string) ([]Member, error) {
	return d[orgID], nil
}

// IsMember reports whether the user appears in the configured roster.
func (d StaticDirectory) IsMember(_ context.Context, orgID, userID string) (bool, error) {
	for _, m := range d[orgID] {
		if m.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}
