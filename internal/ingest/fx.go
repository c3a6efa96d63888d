package ingest

import "go.uber.org/fx"

// Module provides the artifact ingestion service.
var Module = fx.Module("ingest",
	fx.Provide(NewService),
)
