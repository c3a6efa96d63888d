package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/membersync/internal/clock"
	"github.com/smallbiznis/membersync/internal/config"
	"github.com/smallbiznis/membersync/internal/executor"
	"github.com/smallbiznis/membersync/internal/ingest"
	"github.com/smallbiznis/membersync/internal/ledger"
	"github.com/smallbiznis/membersync/internal/logger"
	"github.com/smallbiznis/membersync/internal/migration"
	"github.com/smallbiznis/membersync/internal/providers/export"
	"github.com/smallbiznis/membersync/internal/providers/group"
	"github.com/smallbiznis/membersync/internal/reconcile"
	"github.com/smallbiznis/membersync/internal/roster"
	"github.com/smallbiznis/membersync/internal/scheduler"
	"github.com/smallbiznis/membersync/internal/server"
	"github.com/smallbiznis/membersync/internal/storage"
	"github.com/smallbiznis/membersync/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// External providers
		group.Module,
		export.Module,

		// Reconciliation engine
		ledger.Module,
		storage.Module,
		ingest.Module,
		roster.Module,
		executor.Module,
		reconcile.Module,
		scheduler.Module,

		// Operator surface
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
