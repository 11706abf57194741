package usage

import (
	"github.com/counselkit/metering/internal/usage/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usage.recorder",
	fx.Provide(service.NewService),
)
