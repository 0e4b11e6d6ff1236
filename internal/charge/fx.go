package charge

import (
	"github.com/cobranzalabs/cobranza/internal/charge/service"
	"go.uber.org/fx"
)

var Module = fx.Module("charge.service",
	fx.Provide(service.NewCloser),
)
