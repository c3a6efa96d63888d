package group

import (
	"github.com/smallbiznis/membersync/internal/config"
	"github.com/smallbiznis/membersync/internal/providers/group/domain"
	"github.com/smallbiznis/membersync/internal/providers/group/telegram"
	"go.uber.org/fx"
)

func ProvideAPI(cfg config.Config) (domain.API, error) {
	return telegram.New(cfg)
}

var Module = fx.Module("providers.group",
	fx.Provide(ProvideAPI),
)
