package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/membersync/internal/clock"
	"github.com/smallbiznis/membersync/internal/config"
	ledgerdomain "github.com/smallbiznis/membersync/internal/ledger/domain"
	"github.com/smallbiznis/membersync/internal/observability/metrics"
	"github.com/smallbiznis/membersync/internal/providers/export/selar"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrStorageExhausted reports that an artifact fetch was refused because the
// storage ceiling is reached and nothing could be evicted.
var ErrStorageExhausted = errors.New("storage exhausted")

// Usage is one measurement of the on-disk footprint.
type Usage struct {
	TotalUsedMB float64
	CSVFilesMB  float64
	DatabaseMB  float64
	AvailableMB float64
}

// ArtifactInfo describes one retained export artifact on disk.
type ArtifactInfo struct {
	Path    string
	Name    string
	SizeMB  float64
	ModTime time.Time
}

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Config config.Config
	Policy *config.PolicyHolder
	Repo   ledgerdomain.Repository
}

// Service measures and bounds the combined footprint of export artifacts and
// the ledger database.
type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	policy *config.PolicyHolder
	repo   ledgerdomain.Repository

	artifactDir string
	dbPath      string
}

func NewService(p Params) *Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("storage"),
		genID:       p.GenID,
		clock:       p.Clock,
		policy:      p.Policy,
		repo:        p.Repo,
		artifactDir: p.Config.ArtifactDir,
		dbPath:      filepath.Join(p.Config.DataDir, p.Config.DBName),
	}
}

// ListArtifacts returns the retained export artifacts, oldest first.
func (s *Service) ListArtifacts() ([]ArtifactInfo, error) {
	matches, err := filepath.Glob(filepath.Join(s.artifactDir, selar.ArtifactPattern()))
	if err != nil {
		return nil, fmt.Errorf("glob artifacts: %w", err)
	}

	artifacts := make([]ArtifactInfo, 0, len(matches))
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		artifacts = append(artifacts, ArtifactInfo{
			Path:    path,
			Name:    filepath.Base(path),
			SizeMB:  float64(info.Size()) / 1024 / 1024,
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].ModTime.Before(artifacts[j].ModTime)
	})
	return artifacts, nil
}

// Measure walks the artifact directory and the database file, records an
// append-only snapshot, and returns the usage.
func (s *Service) Measure(ctx context.Context) (Usage, error) {
	artifacts, err := s.ListArtifacts()
	if err != nil {
		return Usage{}, err
	}

	var csvMB float64
	for _, a := range artifacts {
		csvMB += a.SizeMB
	}

	var dbMB float64
	if info, err := os.Stat(s.dbPath); err == nil {
		dbMB = float64(info.Size()) / 1024 / 1024
	}

	limits := s.policy.Get().Storage
	usage := Usage{
		TotalUsedMB: csvMB + dbMB,
		CSVFilesMB:  csvMB,
		DatabaseMB:  dbMB,
	}
	usage.AvailableMB = limits.MaxStorageMB - usage.TotalUsedMB
	metrics.Cycle().SetStorageUsedMB(usage.TotalUsedMB)

	snapshot := &ledgerdomain.StorageSnapshot{
		ID:          s.genID.Generate(),
		CheckTime:   s.clock.Now(),
		TotalUsedMB: usage.TotalUsedMB,
		CSVFilesMB:  usage.CSVFilesMB,
		DatabaseMB:  usage.DatabaseMB,
		AvailableMB: usage.AvailableMB,
	}
	if err := s.repo.InsertStorageSnapshot(ctx, s.db, snapshot); err != nil {
		// Measurement is still valid even if the audit row fails.
		s.log.Warn("failed to record storage snapshot", zap.Error(err))
	}

	return usage, nil
}

// HasRoomForMore reports whether a new artifact fetch is allowed: remaining
// space must exceed the reserved headroom.
func (s *Service) HasRoomForMore(ctx context.Context) (bool, Usage, error) {
	usage, err := s.Measure(ctx)
	if err != nil {
		return false, Usage{}, err
	}
	return usage.AvailableMB > s.policy.Get().Storage.ReservedMB, usage, nil
}

// EvictOldest deletes the oldest retained artifact by modification time.
// It returns false when no artifact is left to evict. The download history
// row for the evicted artifact is kept.
func (s *Service) EvictOldest(ctx context.Context) (bool, error) {
	artifacts, err := s.ListArtifacts()
	if err != nil {
		return false, err
	}
	if len(artifacts) == 0 {
		return false, nil
	}

	oldest := artifacts[0]
	if err := os.Remove(oldest.Path); err != nil {
		return false, fmt.Errorf("evict %s: %w", oldest.Name, err)
	}
	metrics.Cycle().IncArtifactEvicted()
	s.log.Info("evicted oldest artifact",
		zap.String("filename", oldest.Name),
		zap.Float64("size_mb", oldest.SizeMB),
	)
	return true, nil
}

// AcquireSpace ensures a new artifact may be fetched. When the ceiling is
// reached it evicts at most one artifact; if nothing can be evicted it
// returns ErrStorageExhausted.
func (s *Service) AcquireSpace(ctx context.Context) error {
	ok, usage, err := s.HasRoomForMore(ctx)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	s.log.Warn("storage ceiling reached, evicting oldest artifact",
		zap.Float64("total_used_mb", usage.TotalUsedMB),
		zap.Float64("available_mb", usage.AvailableMB),
	)
	evicted, err := s.EvictOldest(ctx)
	if err != nil {
		return err
	}
	if !evicted {
		return ErrStorageExhausted
	}
	return nil
}

// TrimRetained deletes artifacts beyond the retention count, oldest first.
func (s *Service) TrimRetained(ctx context.Context) error {
	keep := s.policy.Get().Storage.MaxArtifactsToKeep
	if keep <= 0 {
		return nil
	}
	artifacts, err := s.ListArtifacts()
	if err != nil {
		return err
	}
	for len(artifacts) > keep {
		if err := os.Remove(artifacts[0].Path); err != nil {
			return fmt.Errorf("trim %s: %w", artifacts[0].Name, err)
		}
		s.log.Info("trimmed retained artifact", zap.String("filename", artifacts[0].Name))
		artifacts = artifacts[1:]
	}
	return nil
}
