package storage

import "go.uber.org/fx"

// Module provides the storage quota service.
var Module = fx.Module("storage",
	fx.Provide(NewService),
)
