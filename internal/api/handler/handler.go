package handler

import (
	"log/slog"

	"github.com/cuongbtq/dispatch-core/internal/bridge"
	"github.com/cuongbtq/dispatch-core/internal/guard"
	"github.com/cuongbtq/dispatch-core/internal/ioqueue"
	"github.com/cuongbtq/dispatch-core/internal/realtime"
	"github.com/cuongbtq/dispatch-core/shared/postgresql"
	sharedredis "github.com/cuongbtq/dispatch-core/shared/redis"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	DBClient  *postgresql.Client
	Redis     *sharedredis.Client
	Submitter *ioqueue.Submitter
	Storage   *ioqueue.Storage
	Caller    *bridge.Caller
	Futures   *bridge.FutureRegistry
	Guard     *guard.Guard
	Hub       *realtime.Hub
	Replay    realtime.ReplayLog
	Auth      *realtime.TokenAuth
	Consumer  realtime.ConsumerConfig
}
