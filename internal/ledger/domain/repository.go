package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// AddCandidate is a paid user missing from the group.
type AddCandidate struct {
	UserID    int64
	Username  string
	FirstName string
	LastName  string
	OrderID   string
}

// RemoveCandidate is a user still in the group whose covering payments have
// all expired.
type RemoveCandidate struct {
	UserID           int64
	Username         string
	FirstName        string
	LastName         string
	SubscriptionType SubscriptionType
	ExpiresDate      time.Time
	OrderID          string
}

// ExpiringPayment is a completed payment approaching expiry.
type ExpiringPayment struct {
	UserID           int64
	Username         string
	FirstName        string
	SubscriptionType SubscriptionType
	ExpiresDate      time.Time
}

// GroupStats summarizes reconciliation state for operators.
type GroupStats struct {
	MembersInGroup int64
	MissingPaid    int64
	ExpiredInGroup int64
	LastChecked    *time.Time
}

// LedgerStats summarizes the payment ledger for operators.
type LedgerStats struct {
	TotalPayments     int64
	CompletedPayments int64
	ExpiredPayments   int64
	UsersInGroup      int64
}

// Repository is the data access surface of the ledger store. Methods take the
// gorm handle (or an open transaction) so callers choose transaction scope.
type Repository interface {
	UpsertUser(ctx context.Context, db *gorm.DB, user *User) error
	SetInGroup(ctx context.Context, db *gorm.DB, userID int64, inGroup bool) error

	PaymentExists(ctx context.Context, db *gorm.DB, orderID string) (bool, error)
	InsertPayment(ctx context.Context, db *gorm.DB, payment *Payment) error

	ReplaceRoster(ctx context.Context, db *gorm.DB, members []GroupMember, checkedAt time.Time) error
	AddSet(ctx context.Context, db *gorm.DB, now time.Time) ([]AddCandidate, error)
	RemoveSet(ctx context.Context, db *gorm.DB, now time.Time) ([]RemoveCandidate, error)
	ExpiringBetween(ctx context.Context, db *gorm.DB, from, to time.Time) ([]ExpiringPayment, error)

	InsertDownload(ctx context.Context, db *gorm.DB, record *DownloadRecord) error
	MarkDownloadProcessed(ctx context.Context, db *gorm.DB, filename string, payments int) error
	PendingDownloads(ctx context.Context, db *gorm.DB) ([]DownloadRecord, error)

	InsertStorageSnapshot(ctx context.Context, db *gorm.DB, snapshot *StorageSnapshot) error

	GroupStats(ctx context.Context, db *gorm.DB, now time.Time) (GroupStats, error)
	LedgerStats(ctx context.Context, db *gorm.DB, now time.Time) (LedgerStats, error)
}
