package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/membersync/internal/clock"
	"github.com/smallbiznis/membersync/internal/config"
	"github.com/smallbiznis/membersync/internal/executor"
	"github.com/smallbiznis/membersync/internal/ingest"
	"github.com/smallbiznis/membersync/internal/ledger/domain"
	"github.com/smallbiznis/membersync/internal/ledger/repository"
	exportdomain "github.com/smallbiznis/membersync/internal/providers/export/domain"
	groupdomain "github.com/smallbiznis/membersync/internal/providers/group/domain"
	"github.com/smallbiznis/membersync/internal/reconcile"
	"github.com/smallbiznis/membersync/internal/roster"
	"github.com/smallbiznis/membersync/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type groupRecorder struct {
	mu       sync.Mutex
	roster   []groupdomain.Member
	added    []int64
	banned   []int64
	messages map[int64][]string
}

func newGroupRecorder() *groupRecorder {
	return &groupRecorder{messages: map[int64][]string{}}
}

func (g *groupRecorder) ListMembers(ctx context.Context) ([]groupdomain.Member, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]groupdomain.Member(nil), g.roster...), nil
}

func (g *groupRecorder) GetMemberStatus(ctx context.Context, userID int64) (groupdomain.MemberStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, m := range g.roster {
		if m.UserID == userID {
			return m.Status, nil
		}
	}
	return "", groupdomain.ErrMemberNotFound
}

func (g *groupRecorder) AddMember(ctx context.Context, userID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.added = append(g.added, userID)
	return nil
}

func (g *groupRecorder) BanMember(ctx context.Context, userID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.banned = append(g.banned, userID)
	return nil
}

func (g *groupRecorder) SendMessage(ctx context.Context, userID int64, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.messages[userID] = append(g.messages[userID], text)
	return nil
}

type exporterOff struct{}

func (exporterOff) Configured() bool { return false }
func (exporterOff) FetchExport(ctx context.Context) (exportdomain.Artifact, error) {
	return exportdomain.Artifact{}, exportdomain.ErrNotConfigured
}

type schedFixture struct {
	sched *Scheduler
	db    *gorm.DB
	repo  domain.Repository
	node  *snowflake.Node
	clock *clock.FakeClock
	group *groupRecorder
	dir   string
}

func setupScheduler(t *testing.T, policy config.Policy, group *groupRecorder) schedFixture {
	t.Helper()

	dir := t.TempDir()
	dsn := fmt.Sprintf("file:scheduler_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&domain.User{},
		&domain.Payment{},
		&domain.GroupMember{},
		&domain.DownloadRecord{},
		&domain.StorageSnapshot{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fakeClock := clock.NewFakeClock(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	repo := repository.Provide()
	log := zap.NewNop()
	holder := config.NewStaticPolicyHolder(policy)
	cfg := config.Config{
		DataDir:     dir,
		ArtifactDir: dir,
		DBName:      "payments.db",
		Telegram:    config.TelegramConfig{AdminIDs: []int64{900}},
	}

	storageSvc := storage.NewService(storage.Params{
		DB: db, Log: log, GenID: node, Clock: fakeClock,
		Config: cfg, Policy: holder, Repo: repo,
	})
	ingestSvc := ingest.NewService(ingest.Params{
		DB: db, Log: log, GenID: node, Clock: fakeClock,
		Repo: repo, Storage: storageSvc, Exporter: exporterOff{},
	})
	rosterSvc := roster.NewReconciler(roster.Params{
		DB: db, Log: log, Clock: fakeClock, Repo: repo, Group: group,
	})
	execSvc := executor.NewExecutor(executor.Params{
		DB: db, Log: log, Policy: holder, Repo: repo, Group: group,
	})
	reconcileSvc := reconcile.NewService(reconcile.Params{
		Log: log, Roster: rosterSvc, Executor: execSvc, Ingest: ingestSvc,
	})

	sched, err := New(Params{
		DB:           db,
		Log:          log,
		Clock:        fakeClock,
		Config:       cfg,
		Policy:       holder,
		Repo:         repo,
		IngestSvc:    ingestSvc,
		ReconcileSvc: reconcileSvc,
		StorageSvc:   storageSvc,
		Group:        group,
	})
	require.NoError(t, err)
	return schedFixture{sched: sched, db: db, repo: repo, node: node, clock: fakeClock, group: group, dir: dir}
}

func zeroDelayPolicy() config.Policy {
	p := config.DefaultPolicy()
	p.Actions.InterActionDelay = 0
	return p
}

func (f schedFixture) seedPayment(t *testing.T, userID int64, expires time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.repo.UpsertUser(ctx, f.db, &domain.User{
		UserID:     userID,
		Username:   fmt.Sprintf("user%d", userID),
		JoinedDate: f.clock.Now(),
	}))
	id := f.node.Generate()
	require.NoError(t, f.repo.InsertPayment(ctx, f.db, &domain.Payment{
		ID:               id,
		UserID:           userID,
		Amount:           10,
		Currency:         "USD",
		Status:           domain.PaymentStatusCompleted,
		OrderID:          fmt.Sprintf("ord-%s", id),
		PaymentDate:      expires.AddDate(0, 0, -30),
		SubscriptionType: domain.SubscriptionMonthly,
		ExpiresDate:      expires,
		ProcessedOrder:   true,
	}))
}

func TestIngestCycleIsNoOpWithoutCredentials(t *testing.T) {
	f := setupScheduler(t, zeroDelayPolicy(), newGroupRecorder())
	require.NoError(t, f.sched.IngestCycle(context.Background()))
}

func TestNoticeCycleWarnsOnlyWithinWindow(t *testing.T) {
	f := setupScheduler(t, zeroDelayPolicy(), newGroupRecorder())
	now := f.clock.Now()

	f.seedPayment(t, 1, now.Add(24*time.Hour))  // inside 72h window
	f.seedPayment(t, 2, now.Add(96*time.Hour))  // beyond window
	f.seedPayment(t, 3, now.Add(-24*time.Hour)) // already expired

	require.NoError(t, f.sched.NoticeCycle(context.Background()))

	assert.Len(t, f.group.messages[1], 1)
	assert.Contains(t, f.group.messages[1][0], "will expire on")
	assert.Empty(t, f.group.messages[2])
	assert.Empty(t, f.group.messages[3])
}

func TestNoticeCycleDoesNotMutateLedger(t *testing.T) {
	f := setupScheduler(t, zeroDelayPolicy(), newGroupRecorder())
	now := f.clock.Now()

	f.seedPayment(t, 1, now.Add(24*time.Hour))

	require.NoError(t, f.sched.NoticeCycle(context.Background()))
	require.NoError(t, f.sched.NoticeCycle(context.Background()))

	// Warnings repeat because no ledger state records them.
	assert.Len(t, f.group.messages[1], 2)

	var sent bool
	require.NoError(t, f.db.Raw(`SELECT verification_sent FROM payments WHERE user_id = ?`, 1).Scan(&sent).Error)
	assert.False(t, sent)
}

func TestReconcileCycleRunsAndNotifiesAdmins(t *testing.T) {
	group := newGroupRecorder()
	f := setupScheduler(t, zeroDelayPolicy(), group)
	now := f.clock.Now()

	f.seedPayment(t, 1, now.Add(48*time.Hour))

	require.NoError(t, f.sched.ReconcileCycle(context.Background()))

	assert.Equal(t, []int64{1}, group.added)
	require.Len(t, group.messages[900], 1)
	assert.Contains(t, group.messages[900][0], "1 added")
}

func TestReconcileCycleSkipsWhenStorageCriticallyLow(t *testing.T) {
	policy := zeroDelayPolicy()
	policy.Storage.MaxStorageMB = 0.001
	policy.Storage.HardFloorMB = 10
	group := newGroupRecorder()
	f := setupScheduler(t, policy, group)

	f.seedPayment(t, 1, f.clock.Now().Add(48*time.Hour))

	require.NoError(t, f.sched.ReconcileCycle(context.Background()))
	assert.Empty(t, group.added)
}

func writeSchedArtifact(t *testing.T, dir, name string, sizeMB float64, modTime time.Time) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, make([]byte, int(sizeMB*1024*1024)), 0o644))
	require.NoError(t, os.Chtimes(path, modTime, modTime))
}

func TestReconcileCycleEvictsWhenStillBelowHeadroom(t *testing.T) {
	policy := zeroDelayPolicy()
	policy.Storage.MaxStorageMB = 5
	policy.Storage.ReservedMB = 4
	policy.Storage.HardFloorMB = 0.5
	group := newGroupRecorder()
	f := setupScheduler(t, policy, group)

	// 4 MB of artifacts leaves 1 MB available: above the hard floor, under
	// the reserved headroom.
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	writeSchedArtifact(t, f.dir, "selar_export_20240101_000000.csv", 2, base)
	writeSchedArtifact(t, f.dir, "selar_export_20240102_000000.csv", 2, base.Add(24*time.Hour))

	require.NoError(t, f.sched.ReconcileCycle(context.Background()))

	remaining, err := filepath.Glob(filepath.Join(f.dir, "selar_export_*.csv"))
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Contains(t, remaining[0], "20240102")
}

func TestSweepCycleRemovesExpiredMembers(t *testing.T) {
	group := newGroupRecorder()
	group.roster = []groupdomain.Member{
		{UserID: 2, Status: groupdomain.MemberStatusMember},
	}
	f := setupScheduler(t, zeroDelayPolicy(), group)
	now := f.clock.Now()

	f.seedPayment(t, 2, now.Add(-48*time.Hour))
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		return f.repo.ReplaceRoster(context.Background(), tx, []domain.GroupMember{
			{UserID: 2, Username: "user2", Status: "member"},
		}, now)
	}))

	require.NoError(t, f.sched.SweepCycle(context.Background()))

	assert.Equal(t, []int64{2}, group.banned)
	require.Len(t, group.messages[900], 1)
	assert.Contains(t, group.messages[900][0], "removed 1")
}
