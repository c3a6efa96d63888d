package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/membersync/internal/clock"
	ledgerdomain "github.com/smallbiznis/membersync/internal/ledger/domain"
	exportdomain "github.com/smallbiznis/membersync/internal/providers/export/domain"
	"github.com/smallbiznis/membersync/internal/storage"
	pkgdb "github.com/smallbiznis/membersync/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// exportDateFormat is the payment timestamp layout used in export artifacts.
const exportDateFormat = "2006-01-02 15:04:05"

var errMissingUserID = errors.New("row has no usable user id")

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     ledgerdomain.Repository
	Storage  *storage.Service
	Exporter exportdomain.Exporter
}

// Service fetches export artifacts and imports their rows into the ledger.
type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     ledgerdomain.Repository
	storage  *storage.Service
	exporter exportdomain.Exporter
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("ingest"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		storage:  p.Storage,
		exporter: p.Exporter,
	}
}

// FetchArtifact acquires storage headroom, downloads one export artifact and
// records it in download history. It returns storage.ErrStorageExhausted when
// the ceiling is reached and nothing can be evicted, and
// exportdomain.ErrNotConfigured before credentials are set.
func (s *Service) FetchArtifact(ctx context.Context) (exportdomain.Artifact, error) {
	if !s.exporter.Configured() {
		return exportdomain.Artifact{}, exportdomain.ErrNotConfigured
	}
	if err := s.storage.AcquireSpace(ctx); err != nil {
		return exportdomain.Artifact{}, err
	}

	artifact, err := s.exporter.FetchExport(ctx)
	if err != nil {
		return exportdomain.Artifact{}, err
	}

	record := &ledgerdomain.DownloadRecord{
		ID:           s.genID.Generate(),
		DownloadTime: s.clock.Now(),
		Filename:     artifact.Filename,
		FileSizeMB:   artifact.SizeMB,
		Status:       ledgerdomain.DownloadStatusDownloaded,
	}
	if err := s.repo.InsertDownload(ctx, s.db, record); err != nil {
		return exportdomain.Artifact{}, fmt.Errorf("record download: %w", err)
	}

	if err := s.storage.TrimRetained(ctx); err != nil {
		s.log.Warn("failed to trim retained artifacts", zap.Error(err))
	}
	return artifact, nil
}

// ProcessArtifact streams one CSV artifact into the ledger. Malformed or
// duplicate rows are skipped and logged; a single bad row never aborts the
// rest of the file. All inserts for the artifact share one transaction.
func (s *Service) ProcessArtifact(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return 0, fmt.Errorf("read header: %w", err)
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}

	processed := 0
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		line := 1
		for {
			record, err := reader.Read()
			if err == io.EOF {
				break
			}
			line++
			if err != nil {
				s.log.Warn("skipping unreadable row",
					zap.String("artifact", path),
					zap.Int("line", line),
					zap.Error(err),
				)
				continue
			}

			row := csvRow{columns: columns, record: record}
			ok, err := s.ingestRow(ctx, tx, row)
			if err != nil {
				s.log.Warn("skipping row",
					zap.String("artifact", path),
					zap.Int("line", line),
					zap.Error(err),
				)
				continue
			}
			if ok {
				processed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("ingest %s: %w", path, err)
	}

	s.log.Info("processed artifact",
		zap.String("artifact", path),
		zap.Int("payments", processed),
	)
	return processed, nil
}

// ingestRow imports one export row. It returns (false, nil) for rows that are
// legitimately skipped: blank order ids and orders already in the ledger.
func (s *Service) ingestRow(ctx context.Context, tx *gorm.DB, row csvRow) (bool, error) {
	orderID := row.get("order_id")
	if orderID == "" {
		orderID = row.get("selar_order_id")
	}
	if orderID == "" {
		return false, nil
	}

	exists, err := s.repo.PaymentExists(ctx, tx, orderID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	userID, err := parseUserID(row)
	if err != nil {
		return false, fmt.Errorf("order %s: %w", orderID, err)
	}

	amount := 0.0
	if raw := row.get("amount"); raw != "" {
		amount, err = strconv.ParseFloat(raw, 64)
		if err != nil {
			return false, fmt.Errorf("order %s: bad amount %q", orderID, raw)
		}
	}

	currency := row.get("currency")
	if currency == "" {
		currency = "USD"
	}
	status := ledgerdomain.PaymentStatus(row.get("status"))
	if status == "" {
		status = ledgerdomain.PaymentStatusCompleted
	}
	subType := ledgerdomain.SubscriptionType(row.get("subscription_type"))
	if subType == "" {
		subType = ledgerdomain.SubscriptionOneTime
	}

	paymentDate := s.clock.Now()
	if raw := row.get("payment_date"); raw != "" {
		if parsed, err := time.Parse(exportDateFormat, raw); err == nil {
			paymentDate = parsed
		}
	}

	var txnID *string
	if raw := row.get("transaction_id"); raw != "" {
		txnID = &raw
	}

	user := &ledgerdomain.User{
		UserID:     userID,
		Username:   row.get("username"),
		FirstName:  row.get("first_name"),
		LastName:   row.get("last_name"),
		JoinedDate: s.clock.Now(),
	}
	if err := s.repo.UpsertUser(ctx, tx, user); err != nil {
		return false, fmt.Errorf("order %s: upsert user: %w", orderID, err)
	}

	payment := &ledgerdomain.Payment{
		ID:               s.genID.Generate(),
		UserID:           userID,
		Amount:           amount,
		Currency:         currency,
		Status:           status,
		TransactionID:    txnID,
		OrderID:          orderID,
		PaymentDate:      paymentDate,
		SubscriptionType: subType,
		ExpiresDate:      subType.ExpiryFrom(paymentDate),
		ProcessedOrder:   true,
	}
	if err := s.repo.InsertPayment(ctx, tx, payment); err != nil {
		// A concurrent run can win the race between the existence check and
		// the insert; the order is in the ledger either way.
		if pkgdb.IsDuplicateKeyErr(err) {
			return false, nil
		}
		return false, fmt.Errorf("order %s: insert payment: %w", orderID, err)
	}
	return true, nil
}

// ProcessPending imports every downloaded-but-unprocessed artifact. Artifacts
// are isolated from each other: a failing file stays pending for the next
// cycle and the rest still run. The total payment count and the joined
// errors (if any) are returned together.
func (s *Service) ProcessPending(ctx context.Context) (int, error) {
	pending, err := s.repo.PendingDownloads(ctx, s.db)
	if err != nil {
		return 0, err
	}

	artifacts, err := s.storage.ListArtifacts()
	if err != nil {
		return 0, err
	}
	onDisk := make(map[string]string, len(artifacts))
	for _, a := range artifacts {
		onDisk[a.Name] = a.Path
	}

	total := 0
	var errs []error
	for _, record := range pending {
		path, ok := onDisk[record.Filename]
		if !ok {
			// Evicted before processing. Close the record so it does not
			// stay pending forever.
			s.log.Warn("pending artifact no longer on disk",
				zap.String("filename", record.Filename),
			)
			if err := s.repo.MarkDownloadProcessed(ctx, s.db, record.Filename, 0); err != nil {
				errs = append(errs, err)
			}
			continue
		}

		count, err := s.ProcessArtifact(ctx, path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.repo.MarkDownloadProcessed(ctx, s.db, record.Filename, count); err != nil {
			errs = append(errs, err)
			continue
		}
		total += count
	}
	return total, errors.Join(errs...)
}

type csvRow struct {
	columns map[string]int
	record  []string
}

func (r csvRow) get(name string) string {
	idx, ok := r.columns[name]
	if !ok || idx >= len(r.record) {
		return ""
	}
	return strings.TrimSpace(r.record[idx])
}

func parseUserID(row csvRow) (int64, error) {
	for _, column := range []string{"user_id", "telegram_id"} {
		raw := row.get(column)
		if raw == "" {
			continue
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id == 0 {
			continue
		}
		return id, nil
	}
	return 0, errMissingUserID
}
