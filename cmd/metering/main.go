package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/counselkit/metering/internal/clock"
	"github.com/counselkit/metering/internal/config"
	"github.com/counselkit/metering/internal/migration"
	"github.com/counselkit/metering/internal/observability"
	"github.com/counselkit/metering/internal/scheduler"
	"github.com/counselkit/metering/internal/server"
	"github.com/counselkit/metering/pkg/db"
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
		scheduler.Module,

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
