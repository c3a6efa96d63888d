package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/membersync/internal/ledger/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) UpsertUser(ctx context.Context, db *gorm.DB, user *domain.User) error {
	// Insert-if-absent: a later export row never overwrites stored name fields.
	return db.WithContext(ctx).Exec(
		`INSERT INTO users (user_id, username, first_name, last_name, joined_date, in_group)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO NOTHING`,
		user.UserID,
		user.Username,
		user.FirstName,
		user.LastName,
		user.JoinedDate,
		user.InGroup,
	).Error
}

func (r *repo) SetInGroup(ctx context.Context, db *gorm.DB, userID int64, inGroup bool) error {
	return db.WithContext(ctx).Exec(
		`UPDATE users SET in_group = ? WHERE user_id = ?`,
		inGroup,
		userID,
	).Error
}

func (r *repo) PaymentExists(ctx context.Context, db *gorm.DB, orderID string) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM payments WHERE order_id = ?`,
		orderID,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repo) InsertPayment(ctx context.Context, db *gorm.DB, payment *domain.Payment) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payments (
			id, user_id, amount, currency, status, transaction_id, order_id,
			payment_date, subscription_type, expires_date, verification_sent, processed_order
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		payment.ID,
		payment.UserID,
		payment.Amount,
		payment.Currency,
		payment.Status,
		payment.TransactionID,
		payment.OrderID,
		payment.PaymentDate,
		payment.SubscriptionType,
		payment.ExpiresDate,
		payment.VerificationSent,
		payment.ProcessedOrder,
	).Error
}

// ReplaceRoster swaps the whole snapshot and recomputes every user's in_group
// flag. Callers run it inside a transaction so a concurrent reconciliation
// never observes a transient empty roster.
func (r *repo) ReplaceRoster(ctx context.Context, db *gorm.DB, members []domain.GroupMember, checkedAt time.Time) error {
	if err := db.WithContext(ctx).Exec(`DELETE FROM group_members`).Error; err != nil {
		return err
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		if err := db.WithContext(ctx).Exec(
			`INSERT INTO group_members (user_id, username, first_name, last_name, last_checked, status)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			m.UserID,
			m.Username,
			m.FirstName,
			m.LastName,
			checkedAt,
			m.Status,
		).Error; err != nil {
			return err
		}
		ids = append(ids, m.UserID)
	}

	if err := db.WithContext(ctx).Exec(`UPDATE users SET in_group = ?`, false).Error; err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`UPDATE users SET in_group = ? WHERE user_id IN ?`,
		true,
		ids,
	).Error
}

func (r *repo) AddSet(ctx context.Context, db *gorm.DB, now time.Time) ([]domain.AddCandidate, error) {
	var items []domain.AddCandidate
	err := db.WithContext(ctx).Raw(
		`SELECT u.user_id, u.username, u.first_name, u.last_name, MAX(p.order_id) AS order_id
		 FROM users u
		 JOIN payments p ON p.user_id = u.user_id
		 WHERE u.in_group = ?
		   AND p.status = ?
		   AND p.expires_date > ?
		 GROUP BY u.user_id, u.username, u.first_name, u.last_name`,
		false,
		domain.PaymentStatusCompleted,
		now,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// RemoveSet joins users to their expired completed payments. A user holding
// any still-valid completed payment is excluded even if another payment has
// expired, so a user can never land in both sets. Users with zero payment
// rows are invisible to both sets. One row per user: the most recently
// expired payment represents them. Aggregating expires_date directly would
// strip the column affinity sqlite needs to return a timestamp, so the
// representative row is picked with a correlated subquery instead.
func (r *repo) RemoveSet(ctx context.Context, db *gorm.DB, now time.Time) ([]domain.RemoveCandidate, error) {
	var items []domain.RemoveCandidate
	err := db.WithContext(ctx).Raw(
		`SELECT u.user_id, u.username, u.first_name, u.last_name,
		        p.subscription_type, p.expires_date, p.order_id
		 FROM users u
		 JOIN payments p ON p.user_id = u.user_id
		 WHERE u.in_group = ?
		   AND p.status = ?
		   AND p.expires_date < ?
		   AND p.id = (
			   SELECT p2.id FROM payments p2
			   WHERE p2.user_id = u.user_id
			     AND p2.status = ?
			     AND p2.expires_date < ?
			   ORDER BY p2.expires_date DESC, p2.id DESC
			   LIMIT 1
		   )
		   AND NOT EXISTS (
			   SELECT 1 FROM payments v
			   WHERE v.user_id = u.user_id
			     AND v.status = ?
			     AND v.expires_date > ?
		   )`,
		true,
		domain.PaymentStatusCompleted,
		now,
		domain.PaymentStatusCompleted,
		now,
		domain.PaymentStatusCompleted,
		now,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ExpiringBetween(ctx context.Context, db *gorm.DB, from, to time.Time) ([]domain.ExpiringPayment, error) {
	var items []domain.ExpiringPayment
	err := db.WithContext(ctx).Raw(
		`SELECT u.user_id, u.username, u.first_name, p.subscription_type, p.expires_date
		 FROM users u
		 JOIN payments p ON p.user_id = u.user_id
		 WHERE p.status = ?
		   AND p.expires_date > ?
		   AND p.expires_date <= ?`,
		domain.PaymentStatusCompleted,
		from,
		to,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) InsertDownload(ctx context.Context, db *gorm.DB, record *domain.DownloadRecord) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO download_history (id, download_time, filename, file_size_mb, payments_processed, status)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.DownloadTime,
		record.Filename,
		record.FileSizeMB,
		record.PaymentsProcessed,
		record.Status,
	).Error
}

func (r *repo) MarkDownloadProcessed(ctx context.Context, db *gorm.DB, filename string, payments int) error {
	return db.WithContext(ctx).Exec(
		`UPDATE download_history
		 SET payments_processed = payments_processed + ?, status = ?
		 WHERE filename = ?`,
		payments,
		domain.DownloadStatusProcessed,
		filename,
	).Error
}

func (r *repo) PendingDownloads(ctx context.Context, db *gorm.DB) ([]domain.DownloadRecord, error) {
	var items []domain.DownloadRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, download_time, filename, file_size_mb, payments_processed, status
		 FROM download_history
		 WHERE status = ?
		 ORDER BY filename ASC`,
		domain.DownloadStatusDownloaded,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) InsertStorageSnapshot(ctx context.Context, db *gorm.DB, snapshot *domain.StorageSnapshot) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO storage_usage (id, check_time, total_used_mb, csv_files_mb, database_mb, available_mb)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		snapshot.ID,
		snapshot.CheckTime,
		snapshot.TotalUsedMB,
		snapshot.CSVFilesMB,
		snapshot.DatabaseMB,
		snapshot.AvailableMB,
	).Error
}

func (r *repo) GroupStats(ctx context.Context, db *gorm.DB, now time.Time) (domain.GroupStats, error) {
	var stats domain.GroupStats
	if err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM group_members`,
	).Scan(&stats.MembersInGroup).Error; err != nil {
		return stats, err
	}
	if err := db.WithContext(ctx).Raw(
		`SELECT COUNT(DISTINCT u.user_id)
		 FROM users u
		 JOIN payments p ON p.user_id = u.user_id
		 WHERE u.in_group = ? AND p.status = ? AND p.expires_date > ?`,
		false,
		domain.PaymentStatusCompleted,
		now,
	).Scan(&stats.MissingPaid).Error; err != nil {
		return stats, err
	}
	if err := db.WithContext(ctx).Raw(
		`SELECT COUNT(DISTINCT u.user_id)
		 FROM users u
		 JOIN payments p ON p.user_id = u.user_id
		 WHERE u.in_group = ? AND p.status = ? AND p.expires_date < ?
		   AND NOT EXISTS (
			   SELECT 1 FROM payments v
			   WHERE v.user_id = u.user_id AND v.status = ? AND v.expires_date > ?
		   )`,
		true,
		domain.PaymentStatusCompleted,
		now,
		domain.PaymentStatusCompleted,
		now,
	).Scan(&stats.ExpiredInGroup).Error; err != nil {
		return stats, err
	}
	// MAX(last_checked) would lose the timestamp affinity (and yield NULL on
	// an empty roster); select the newest row instead.
	var lastChecked time.Time
	if err := db.WithContext(ctx).Raw(
		`SELECT last_checked FROM group_members ORDER BY last_checked DESC LIMIT 1`,
	).Scan(&lastChecked).Error; err != nil {
		return stats, err
	}
	if !lastChecked.IsZero() {
		stats.LastChecked = &lastChecked
	}
	return stats, nil
}

func (r *repo) LedgerStats(ctx context.Context, db *gorm.DB, now time.Time) (domain.LedgerStats, error) {
	var stats domain.LedgerStats
	if err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM payments`,
	).Scan(&stats.TotalPayments).Error; err != nil {
		return stats, err
	}
	if err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM payments WHERE status = ?`,
		domain.PaymentStatusCompleted,
	).Scan(&stats.CompletedPayments).Error; err != nil {
		return stats, err
	}
	if err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM payments WHERE status = ? AND expires_date < ?`,
		domain.PaymentStatusCompleted,
		now,
	).Scan(&stats.ExpiredPayments).Error; err != nil {
		return stats, err
	}
	if err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM users WHERE in_group = ?`,
		true,
	).Scan(&stats.UsersInGroup).Error; err != nil {
		return stats, err
	}
	return stats, nil
}
