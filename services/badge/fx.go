package badge

import (
	"context"

	"go.uber.org/fx"

	"nightowl-rewards/services/catalog"
)

var Module = fx.Module("badge.service",
	fx.Provide(NewService),
	fx.Invoke(seedCatalog),
)

func seedCatalog(lc fx.Lifecycle, svc *Service, actions *catalog.Service) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return svc.Seed(ctx, actions)
		},
	})
}
