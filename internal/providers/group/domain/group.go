package domain

import (
	"context"
	"errors"
)

var (
	ErrNotConfigured  = errors.New("group api not configured")
	ErrMemberNotFound = errors.New("member not found")
)

// MemberStatus is the membership status reported by the external group.
type MemberStatus string

const (
	MemberStatusMember        MemberStatus = "member"
	MemberStatusAdministrator MemberStatus = "administrator"
	MemberStatusCreator       MemberStatus = "creator"
	MemberStatusRestricted    MemberStatus = "restricted"
	MemberStatusLeft          MemberStatus = "left"
	MemberStatusKicked        MemberStatus = "kicked"
)

// Active reports whether the status counts as present in the group.
func (s MemberStatus) Active() bool {
	switch s {
	case MemberStatusMember, MemberStatusAdministrator, MemberStatusCreator:
		return true
	default:
		return false
	}
}

// Member is one entry of the external group roster.
type Member struct {
	UserID    int64
	Username  string
	FirstName string
	LastName  string
	Status    MemberStatus
}

// API is the capability set consumed from the external membership platform.
// Removal has ban semantics: it is intended to be persistent, not a soft kick.
type API interface {
	ListMembers(ctx context.Context) ([]Member, error)
	GetMemberStatus(ctx context.Context, userID int64) (MemberStatus, error)
	AddMember(ctx context.Context, userID int64) error
	BanMember(ctx context.Context, userID int64) error
	// SendMessage is best-effort; callers are expected to swallow failures.
	SendMessage(ctx context.Context, userID int64, text string) error
}
