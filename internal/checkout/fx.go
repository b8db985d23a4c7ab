package checkout

import (
	"github.com/careledger/careledger/internal/checkout/provider"
	"github.com/careledger/careledger/internal/checkout/service"
	"go.uber.org/fx"
)

var Module = fx.Module("checkout",
	fx.Provide(provider.NewClient),
	fx.Provide(service.NewService),
)
