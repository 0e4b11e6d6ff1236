package fallback

import (
	"github.com/cobranzalabs/cobranza/internal/fallback/domain"
	"github.com/cobranzalabs/cobranza/internal/fallback/providers/mp"
	"github.com/cobranzalabs/cobranza/internal/fallback/service"
	"go.uber.org/fx"
)

var Module = fx.Module("fallback.service",
	fx.Provide(mp.New),
	fx.Provide(newProviderRegistry),
	fx.Provide(service.NewOrchestrator),
	fx.Provide(func(o *service.Orchestrator) domain.Creator { return o }),
)

func newProviderRegistry(mpProvider *mp.Provider) *domain.Registry {
	return domain.NewRegistry(mpProvider)
}
