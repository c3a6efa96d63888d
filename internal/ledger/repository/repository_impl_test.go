package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/membersync/internal/ledger/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:ledger_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&domain.User{},
		&domain.Payment{},
		&domain.GroupMember{},
		&domain.DownloadRecord{},
		&domain.StorageSnapshot{},
	))
	return db
}

func mustNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return node
}

func seedUser(t *testing.T, db *gorm.DB, repo domain.Repository, userID int64, inGroup bool) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, repo.UpsertUser(ctx, db, &domain.User{
		UserID:     userID,
		Username:   fmt.Sprintf("user%d", userID),
		FirstName:  fmt.Sprintf("First%d", userID),
		JoinedDate: time.Now().UTC(),
	}))
	require.NoError(t, repo.SetInGroup(ctx, db, userID, inGroup))
}

func seedPayment(t *testing.T, db *gorm.DB, repo domain.Repository, node *snowflake.Node, userID int64, status domain.PaymentStatus, expires time.Time) {
	t.Helper()
	id := node.Generate()
	orderID := fmt.Sprintf("ord-%s", id)
	require.NoError(t, repo.InsertPayment(context.Background(), db, &domain.Payment{
		ID:               id,
		UserID:           userID,
		Amount:           10,
		Currency:         "USD",
		Status:           status,
		OrderID:          orderID,
		PaymentDate:      expires.AddDate(0, 0, -30),
		SubscriptionType: domain.SubscriptionMonthly,
		ExpiresDate:      expires,
		ProcessedOrder:   true,
	}))
}

func TestUpsertUserKeepsFirstWrite(t *testing.T) {
	db := setupTestDB(t)
	repo := Provide()
	ctx := context.Background()

	first := &domain.User{UserID: 100, Username: "original", JoinedDate: time.Now().UTC()}
	require.NoError(t, repo.UpsertUser(ctx, db, first))

	second := &domain.User{UserID: 100, Username: "rewritten", JoinedDate: time.Now().UTC()}
	require.NoError(t, repo.UpsertUser(ctx, db, second))

	var username string
	require.NoError(t, db.Raw(`SELECT username FROM users WHERE user_id = ?`, 100).Scan(&username).Error)
	assert.Equal(t, "original", username)
}

func TestPaymentExistsAfterInsert(t *testing.T) {
	db := setupTestDB(t)
	repo := Provide()
	node := mustNode(t)
	ctx := context.Background()

	seedUser(t, db, repo, 1, false)

	exists, err := repo.PaymentExists(ctx, db, "ord-1")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, repo.InsertPayment(ctx, db, &domain.Payment{
		ID:               node.Generate(),
		UserID:           1,
		Currency:         "USD",
		Status:           domain.PaymentStatusCompleted,
		OrderID:          "ord-1",
		PaymentDate:      time.Now().UTC(),
		SubscriptionType: domain.SubscriptionOneTime,
		ExpiresDate:      time.Now().UTC().AddDate(0, 0, 3650),
	}))

	exists, err = repo.PaymentExists(ctx, db, "ord-1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestReplaceRosterRecomputesInGroup(t *testing.T) {
	db := setupTestDB(t)
	repo := Provide()
	ctx := context.Background()

	seedUser(t, db, repo, 1, true)
	seedUser(t, db, repo, 2, false)
	seedUser(t, db, repo, 3, true)

	// New roster holds users 2 and 3 only.
	checkedAt := time.Now().UTC()
	err := db.Transaction(func(tx *gorm.DB) error {
		return repo.ReplaceRoster(ctx, tx, []domain.GroupMember{
			{UserID: 2, Username: "user2", Status: "member"},
			{UserID: 3, Username: "user3", Status: "member"},
		}, checkedAt)
	})
	require.NoError(t, err)

	var inGroup []int64
	require.NoError(t, db.Raw(`SELECT user_id FROM users WHERE in_group = ? ORDER BY user_id`, true).Scan(&inGroup).Error)
	assert.Equal(t, []int64{2, 3}, inGroup)

	var count int64
	require.NoError(t, db.Raw(`SELECT COUNT(1) FROM group_members`).Scan(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestReplaceRosterWithEmptySnapshot(t *testing.T) {
	db := setupTestDB(t)
	repo := Provide()
	ctx := context.Background()

	seedUser(t, db, repo, 1, true)

	err := db.Transaction(func(tx *gorm.DB) error {
		return repo.ReplaceRoster(ctx, tx, nil, time.Now().UTC())
	})
	require.NoError(t, err)

	var count int64
	require.NoError(t, db.Raw(`SELECT COUNT(1) FROM users WHERE in_group = ?`, true).Scan(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestAddAndRemoveSetsArePartitioned(t *testing.T) {
	db := setupTestDB(t)
	repo := Provide()
	node := mustNode(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// User 1: valid payment, not in group -> add set.
	seedUser(t, db, repo, 1, false)
	seedPayment(t, db, repo, node, 1, domain.PaymentStatusCompleted, now.Add(24*time.Hour))

	// User 2: expired payment, in group -> remove set.
	seedUser(t, db, repo, 2, true)
	seedPayment(t, db, repo, node, 2, domain.PaymentStatusCompleted, now.Add(-24*time.Hour))

	// User 3: one expired plus one valid payment, in group -> neither set.
	seedUser(t, db, repo, 3, true)
	seedPayment(t, db, repo, node, 3, domain.PaymentStatusCompleted, now.Add(-24*time.Hour))
	seedPayment(t, db, repo, node, 3, domain.PaymentStatusCompleted, now.Add(48*time.Hour))

	// User 4: pending payment only, not in group -> invisible.
	seedUser(t, db, repo, 4, false)
	seedPayment(t, db, repo, node, 4, domain.PaymentStatusPending, now.Add(24*time.Hour))

	// User 5: no payments at all, in group -> invisible to both sets.
	seedUser(t, db, repo, 5, true)

	adds, err := repo.AddSet(ctx, db, now)
	require.NoError(t, err)
	require.Len(t, adds, 1)
	assert.Equal(t, int64(1), adds[0].UserID)

	removes, err := repo.RemoveSet(ctx, db, now)
	require.NoError(t, err)
	require.Len(t, removes, 1)
	assert.Equal(t, int64(2), removes[0].UserID)
	assert.Equal(t, domain.SubscriptionMonthly, removes[0].SubscriptionType)
	assert.NotEmpty(t, removes[0].OrderID)
	assert.WithinDuration(t, now.Add(-24*time.Hour), removes[0].ExpiresDate, time.Second)
}

func TestRemoveSetDeduplicatesMultipleExpiredPayments(t *testing.T) {
	db := setupTestDB(t)
	repo := Provide()
	node := mustNode(t)
	now := time.Now().UTC()

	seedUser(t, db, repo, 7, true)
	seedPayment(t, db, repo, node, 7, domain.PaymentStatusCompleted, now.Add(-72*time.Hour))
	seedPayment(t, db, repo, node, 7, domain.PaymentStatusCompleted, now.Add(-24*time.Hour))

	removes, err := repo.RemoveSet(context.Background(), db, now)
	require.NoError(t, err)
	require.Len(t, removes, 1)
	assert.Equal(t, int64(7), removes[0].UserID)
	// The most recently expired payment represents the user.
	assert.WithinDuration(t, now.Add(-24*time.Hour), removes[0].ExpiresDate, time.Second)
}

func TestExpiringBetweenHonorsWindowBounds(t *testing.T) {
	db := setupTestDB(t)
	repo := Provide()
	node := mustNode(t)
	now := time.Now().UTC()

	seedUser(t, db, repo, 1, true)
	seedPayment(t, db, repo, node, 1, domain.PaymentStatusCompleted, now.Add(24*time.Hour))

	seedUser(t, db, repo, 2, true)
	seedPayment(t, db, repo, node, 2, domain.PaymentStatusCompleted, now.Add(96*time.Hour))

	seedUser(t, db, repo, 3, true)
	seedPayment(t, db, repo, node, 3, domain.PaymentStatusCompleted, now.Add(-time.Hour))

	expiring, err := repo.ExpiringBetween(context.Background(), db, now, now.Add(72*time.Hour))
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	assert.Equal(t, int64(1), expiring[0].UserID)
}

func TestDownloadHistoryLifecycle(t *testing.T) {
	db := setupTestDB(t)
	repo := Provide()
	node := mustNode(t)
	ctx := context.Background()

	require.NoError(t, repo.InsertDownload(ctx, db, &domain.DownloadRecord{
		ID:           node.Generate(),
		DownloadTime: time.Now().UTC(),
		Filename:     "selar_export_20240101_000000.csv",
		FileSizeMB:   1.5,
		Status:       domain.DownloadStatusDownloaded,
	}))

	pending, err := repo.PendingDownloads(ctx, db)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, repo.MarkDownloadProcessed(ctx, db, "selar_export_20240101_000000.csv", 42))

	pending, err = repo.PendingDownloads(ctx, db)
	require.NoError(t, err)
	assert.Empty(t, pending)

	var processed int
	require.NoError(t, db.Raw(
		`SELECT payments_processed FROM download_history WHERE filename = ?`,
		"selar_export_20240101_000000.csv",
	).Scan(&processed).Error)
	assert.Equal(t, 42, processed)
}

func TestGroupStatsBeforeFirstRosterCheck(t *testing.T) {
	db := setupTestDB(t)
	repo := Provide()

	stats, err := repo.GroupStats(context.Background(), db, time.Now().UTC())
	require.NoError(t, err)
	assert.Zero(t, stats.MembersInGroup)
	assert.Nil(t, stats.LastChecked)
}

func TestGroupAndLedgerStats(t *testing.T) {
	db := setupTestDB(t)
	repo := Provide()
	node := mustNode(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedUser(t, db, repo, 1, false)
	seedPayment(t, db, repo, node, 1, domain.PaymentStatusCompleted, now.Add(24*time.Hour))

	seedUser(t, db, repo, 2, true)
	seedPayment(t, db, repo, node, 2, domain.PaymentStatusCompleted, now.Add(-24*time.Hour))

	err := db.Transaction(func(tx *gorm.DB) error {
		return repo.ReplaceRoster(ctx, tx, []domain.GroupMember{
			{UserID: 2, Username: "user2", Status: "member"},
		}, now)
	})
	require.NoError(t, err)

	groupStats, err := repo.GroupStats(ctx, db, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), groupStats.MembersInGroup)
	assert.Equal(t, int64(1), groupStats.MissingPaid)
	assert.Equal(t, int64(1), groupStats.ExpiredInGroup)
	require.NotNil(t, groupStats.LastChecked)

	ledgerStats, err := repo.LedgerStats(ctx, db, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), ledgerStats.TotalPayments)
	assert.Equal(t, int64(2), ledgerStats.CompletedPayments)
	assert.Equal(t, int64(1), ledgerStats.ExpiredPayments)
	assert.Equal(t, int64(1), ledgerStats.UsersInGroup)
}
