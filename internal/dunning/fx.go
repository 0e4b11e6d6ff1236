package dunning

import (
	"github.com/cobranzalabs/cobranza/internal/dunning/service"
	"go.uber.org/fx"
)

var Module = fx.Module("dunning.service",
	fx.Provide(service.NewAdvancer),
	fx.Provide(service.NewHooks),
)
