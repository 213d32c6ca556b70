package models

import "time"

// Project groups sessions and jobs under one root directory and one set of
// members. Project CRUD is owned by an external system; this record carries
// what the orchestrator and the access checks need.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"ownerId"`
	MemberIDs []string  `json:"memberIds"`
	RootDir   string    `json:"rootDir"`
	CreatedAt time.Time `json:"createdAt"`
}

// HasMember reports whether userID is the owner or a member.
func (p *Project) HasMember(userID string) bool {
	if userID == "" {
		return false
	}
	if p.OwnerID == userID {
		return true
	}
	for _, m := range p.MemberIDs {
		if m == userID {
			return true
		}
	}
	return false
}
