package jobs

import (
	"go.uber.org/fx"
)

var Module = fx.Module("jobs",
	fx.Provide(NewTokenMaintenanceJob),
	fx.Provide(NewCleanupJob),
	fx.Provide(NewHealthValidationJob),
	fx.Invoke(RegisterHandlers),
	fx.Invoke(NewScheduler),
)
