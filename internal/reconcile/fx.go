package reconcile

import "go.uber.org/fx"

// Module provides the reconciliation orchestrator.
var Module = fx.Module("reconcile",
	fx.Provide(NewService),
)
