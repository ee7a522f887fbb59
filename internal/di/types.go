// Package di provides dependency injection wiring and initialization.
package di

import (
	"github.com/reyvababtista/beiwe-backend-fork/internal/database"
	"github.com/reyvababtista/beiwe-backend-fork/internal/dispatch"
	"github.com/reyvababtista/beiwe-backend-fork/internal/notify"
	"github.com/reyvababtista/beiwe-backend-fork/internal/objstore"
	"github.com/reyvababtista/beiwe-backend-fork/internal/pipeline"
	"github.com/reyvababtista/beiwe-backend-fork/internal/queue"
	"github.com/reyvababtista/beiwe-backend-fork/internal/study"
	"github.com/reyvababtista/beiwe-backend-fork/internal/tasks"
)

// Container holds all dependencies for the application. It is created
// by Wire and shared by the processor and dispatch entry points.
type Container struct {
	// Databases
	StudyDB  *database.DB
	BrokerDB *database.DB // nil when running the inline backend

	// Storage
	Objects objstore.Store

	// Domain services
	Store    *study.Store
	Pipeline *pipeline.Pipeline
	Registry *tasks.Registry
	Sender   notify.Sender

	// Queueing. Backend is what producers enqueue on; Broker is non-nil
	// only in broker mode and is what the workers pull from.
	Backend queue.Backend
	Broker  *queue.Broker

	// Dispatch
	Dispatcher *dispatch.Dispatcher
}

// Close releases the container's database connections.
func (c *Container) Close() {
	if c.StudyDB != nil {
		_ = c.StudyDB.Close()
	}
	if c.BrokerDB != nil {
		_ = c.BrokerDB.Close()
	}
}
