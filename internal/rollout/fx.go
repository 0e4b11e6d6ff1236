package rollout

import (
	"github.com/cobranzalabs/cobranza/internal/rollout/service"
	"go.uber.org/fx"
)

var Module = fx.Module("rollout.service",
	fx.Provide(service.New),
)
