package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/metergate/metergate/internal/apikey"
	"github.com/metergate/metergate/internal/billing"
	"github.com/metergate/metergate/internal/clock"
	"github.com/metergate/metergate/internal/config"
	"github.com/metergate/metergate/internal/entitlement"
	"github.com/metergate/metergate/internal/locking"
	"github.com/metergate/metergate/internal/migration"
	"github.com/metergate/metergate/internal/observability"
	"github.com/metergate/metergate/internal/server"
	"github.com/metergate/metergate/internal/subscription"
	"github.com/metergate/metergate/internal/tier"
	"github.com/metergate/metergate/internal/usage"
	"github.com/metergate/metergate/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		locking.Module,

		tier.Module,
		apikey.Module,
		usage.Module,
		entitlement.Module,
		subscription.Module,
		billing.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
