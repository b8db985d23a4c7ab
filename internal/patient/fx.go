package patient

import (
	"github.com/careledger/careledger/internal/patient/service"
	"go.uber.org/fx"
)

var Module = fx.Module("patient",
	fx.Provide(service.NewService),
)
