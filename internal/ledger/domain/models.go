package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// SubscriptionType classifies a payment's access duration.
type SubscriptionType string

const (
	SubscriptionOneTime SubscriptionType = "one_time"
	SubscriptionMonthly SubscriptionType = "monthly"
	SubscriptionYearly  SubscriptionType = "yearly"
)

// PaymentStatus is the lifecycle status reported by the payment platform.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// ExpiryFrom computes the access expiry for a payment. It is a pure function
// of subscription type and payment timestamp, computed once at ingestion and
// never recomputed.
func (s SubscriptionType) ExpiryFrom(paymentDate time.Time) time.Time {
	switch s {
	case SubscriptionMonthly:
		return paymentDate.Add(29*24*time.Hour + 24*time.Hour)
	case SubscriptionYearly:
		return paymentDate.Add(364*24*time.Hour + 24*time.Hour)
	default:
		return paymentDate.AddDate(0, 0, 3650)
	}
}

// User is an identity known to the ledger. Created on first payment
// ingestion, never deleted. InGroup is owned by the roster reconciler and the
// action executor.
type User struct {
	UserID     int64     `gorm:"column:user_id;primaryKey"`
	Username   string    `gorm:"type:text"`
	FirstName  string    `gorm:"type:text"`
	LastName   string    `gorm:"type:text"`
	JoinedDate time.Time `gorm:"column:joined_date"`
	InGroup    bool      `gorm:"column:in_group;not null;default:false;index"`
}

func (User) TableName() string { return "users" }

// Payment is one purchase event imported from an export artifact. OrderID is
// the dedup key: unique across the whole ledger.
type Payment struct {
	ID               snowflake.ID     `gorm:"primaryKey"`
	UserID           int64            `gorm:"column:user_id;not null;index"`
	Amount           float64          `gorm:"not null"`
	Currency         string           `gorm:"type:text;not null"`
	Status           PaymentStatus    `gorm:"type:text;not null"`
	TransactionID    *string          `gorm:"column:transaction_id;type:text;uniqueIndex"`
	OrderID          string           `gorm:"column:order_id;type:text;not null;uniqueIndex"`
	PaymentDate      time.Time        `gorm:"column:payment_date;not null"`
	SubscriptionType SubscriptionType `gorm:"column:subscription_type;type:text;not null"`
	ExpiresDate      time.Time        `gorm:"column:expires_date;not null;index"`
	VerificationSent bool             `gorm:"column:verification_sent;not null;default:false"`
	ProcessedOrder   bool             `gorm:"column:processed_order;not null;default:false"`
}

func (Payment) TableName() string { return "payments" }

// GroupMember is one row of the latest roster snapshot. The whole set is
// replaced atomically on each roster check.
type GroupMember struct {
	UserID      int64     `gorm:"column:user_id;primaryKey"`
	Username    string    `gorm:"type:text"`
	FirstName   string    `gorm:"type:text"`
	LastName    string    `gorm:"type:text"`
	LastChecked time.Time `gorm:"column:last_checked"`
	Status      string    `gorm:"type:text"`
}

func (GroupMember) TableName() string { return "group_members" }

// Download history statuses.
const (
	DownloadStatusDownloaded = "downloaded"
	DownloadStatusProcessed  = "processed"
	DownloadStatusFailed     = "failed"
)

// DownloadRecord is the audit row for one fetched export artifact. It
// survives eviction of the artifact itself.
type DownloadRecord struct {
	ID                snowflake.ID `gorm:"primaryKey"`
	DownloadTime      time.Time    `gorm:"column:download_time;not null"`
	Filename          string       `gorm:"type:text;not null"`
	FileSizeMB        float64      `gorm:"column:file_size_mb;not null"`
	PaymentsProcessed int          `gorm:"column:payments_processed;not null;default:0"`
	Status            string       `gorm:"type:text;not null"`
}

func (DownloadRecord) TableName() string { return "download_history" }

// StorageSnapshot is an append-only point-in-time storage measurement.
type StorageSnapshot struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	CheckTime   time.Time    `gorm:"column:check_time;not null"`
	TotalUsedMB float64      `gorm:"column:total_used_mb;not null"`
	CSVFilesMB  float64      `gorm:"column:csv_files_mb;not null"`
	DatabaseMB  float64      `gorm:"column:database_mb;not null"`
	AvailableMB float64      `gorm:"column:available_mb;not null"`
}

func (StorageSnapshot) TableName() string { return "storage_usage" }
