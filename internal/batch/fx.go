package batch

import (
	"github.com/cobranzalabs/cobranza/internal/batch/adapters"
	"github.com/cobranzalabs/cobranza/internal/batch/adapters/csvdebit"
	"github.com/cobranzalabs/cobranza/internal/batch/service"
	"go.uber.org/fx"
)

var Module = fx.Module("batch.service",
	fx.Provide(newAdapterRegistry),
	fx.Provide(service.NewPreparer),
	fx.Provide(service.NewExporter),
	fx.Provide(service.NewImporter),
)

func newAdapterRegistry() *adapters.Registry {
	return adapters.NewRegistry(
		csvdebit.New(),
	)
}
