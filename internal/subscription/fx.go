package subscription

import (
	"time"

	"github.com/metergate/metergate/internal/clock"
	"github.com/metergate/metergate/internal/config"
	"github.com/metergate/metergate/internal/subscription/repository"
	"github.com/metergate/metergate/internal/subscription/service"
	"github.com/metergate/metergate/internal/subscription/verifier"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
	fx.Provide(provideVerifier),
)

func provideVerifier(cfg config.Config, clk clock.Clock) *verifier.Verifier {
	tolerance := time.Duration(cfg.WebhookToleranceSeconds) * time.Second
	return verifier.New(cfg.WebhookSecret, tolerance, clk)
}
