package executor

import "go.uber.org/fx"

// Module provides the membership action executor.
var Module = fx.Module("executor",
	fx.Provide(NewExecutor),
)
