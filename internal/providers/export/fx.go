package export

import (
	"github.com/smallbiznis/membersync/internal/providers/export/domain"
	"github.com/smallbiznis/membersync/internal/providers/export/selar"
	"go.uber.org/fx"
)

func ProvideExporter(e *selar.Exporter) domain.Exporter {
	return e
}

var Module = fx.Module("providers.export",
	fx.Provide(selar.New),
	fx.Provide(ProvideExporter),
)
