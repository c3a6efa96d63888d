package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SetCredentials stores the export platform credentials.
func (s *Server) SetCredentials(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	if err := s.exporter.Configure(req.Email, req.Password); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"configured": true})
}

// Download fetches one new export artifact, evicting the oldest retained
// artifact first if the storage ceiling is reached.
func (s *Server) Download(c *gin.Context) {
	artifact, err := s.ingestSvc.FetchArtifact(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"filename": artifact.Filename,
		"size_mb":  artifact.SizeMB,
	})
}

// Process ingests every pending artifact and runs a full reconciliation
// pass. Per-user failures do not discard the counts that were achieved.
func (s *Server) Process(c *gin.Context) {
	report, err := s.reconcileSvc.ProcessAll(c.Request.Context())
	if err != nil && fatalAdminErr(err) {
		AbortWithError(c, err)
		return
	}
	resp := gin.H{
		"payments_processed": report.Payments,
		"added":              report.Outcome.Added,
		"removed":            report.Outcome.Removed,
	}
	if err != nil {
		s.log.Warn("manual process finished with errors", zap.Error(err))
		resp["errors"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// AddMissing invites every paid user currently missing from the group.
func (s *Server) AddMissing(c *gin.Context) {
	added, err := s.reconcileSvc.AddMissing(c.Request.Context())
	if err != nil && fatalAdminErr(err) {
		AbortWithError(c, err)
		return
	}
	resp := gin.H{"added": added}
	if err != nil {
		s.log.Warn("manual add finished with errors", zap.Error(err))
		resp["errors"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// RemoveExpired removes every group member whose payments have all expired.
func (s *Server) RemoveExpired(c *gin.Context) {
	removed, err := s.reconcileSvc.RemoveExpired(c.Request.Context())
	if err != nil && fatalAdminErr(err) {
		AbortWithError(c, err)
		return
	}
	resp := gin.H{"removed": removed}
	if err != nil {
		s.log.Warn("manual remove finished with errors", zap.Error(err))
		resp["errors"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// StorageStatus reports the current footprint against the configured limits.
func (s *Server) StorageStatus(c *gin.Context) {
	usage, err := s.storageSvc.Measure(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	limits := s.policy.Get().Storage
	c.JSON(http.StatusOK, gin.H{
		"total_used_mb":     usage.TotalUsedMB,
		"csv_files_mb":      usage.CSVFilesMB,
		"database_mb":       usage.DatabaseMB,
		"available_mb":      usage.AvailableMB,
		"max_storage_mb":    limits.MaxStorageMB,
		"reserved_mb":       limits.ReservedMB,
		"can_download_more": usage.AvailableMB > limits.ReservedMB,
	})
}

// GroupStats reports reconciliation and ledger statistics.
func (s *Server) GroupStats(c *gin.Context) {
	ctx := c.Request.Context()
	now := s.clock.Now()

	groupStats, err := s.repo.GroupStats(ctx, s.db, now)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	ledgerStats, err := s.repo.LedgerStats(ctx, s.db, now)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"group": gin.H{
			"members_in_group": groupStats.MembersInGroup,
			"missing_paid":     groupStats.MissingPaid,
			"expired_in_group": groupStats.ExpiredInGroup,
			"last_checked":     groupStats.LastChecked,
		},
		"ledger": gin.H{
			"total_payments":     ledgerStats.TotalPayments,
			"completed_payments": ledgerStats.CompletedPayments,
			"expired_payments":   ledgerStats.ExpiredPayments,
			"users_in_group":     ledgerStats.UsersInGroup,
		},
	})
}
