package roster

import "go.uber.org/fx"

// Module provides the roster reconciler.
var Module = fx.Module("roster",
	fx.Provide(NewReconciler),
)
