package di

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/reyvababtista/beiwe-backend-fork/internal/config"
	"github.com/reyvababtista/beiwe-backend-fork/internal/crypto"
	"github.com/reyvababtista/beiwe-backend-fork/internal/database"
	"github.com/reyvababtista/beiwe-backend-fork/internal/dispatch"
	"github.com/reyvababtista/beiwe-backend-fork/internal/notify"
	"github.com/reyvababtista/beiwe-backend-fork/internal/objstore"
	"github.com/reyvababtista/beiwe-backend-fork/internal/pipeline"
	"github.com/reyvababtista/beiwe-backend-fork/internal/queue"
	"github.com/reyvababtista/beiwe-backend-fork/internal/reliability"
	"github.com/reyvababtista/beiwe-backend-fork/internal/study"
)

// Wire initializes all dependencies and returns a configured container.
// Order of operations:
// 1. Open and migrate databases
// 2. Select the object storage backend
// 3. Build the pipeline and freeze the handler registry
// 4. Select the queue backend (broker or inline)
// 5. Build the dispatcher
func Wire(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{}

	studyDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "study.db"),
		Profile: database.ProfileStudy,
		Name:    "study",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open study database: %w", err)
	}
	container.StudyDB = studyDB
	if err := studyDB.Migrate(); err != nil {
		container.Close()
		return nil, fmt.Errorf("failed to migrate study database: %w", err)
	}

	if cfg.Broker.Enabled {
		brokerDB, err := database.New(database.Config{
			Path:    cfg.Broker.DBPath,
			Profile: database.ProfileBroker,
			Name:    "broker",
		})
		if err != nil {
			container.Close()
			return nil, fmt.Errorf("failed to open broker database: %w", err)
		}
		container.BrokerDB = brokerDB
		if err := brokerDB.Migrate(); err != nil {
			container.Close()
			return nil, fmt.Errorf("failed to migrate broker database: %w", err)
		}
	}

	objects, err := newObjectStore(ctx, cfg, log)
	if err != nil {
		container.Close()
		return nil, err
	}
	container.Objects = objects

	container.Store = study.NewStore(studyDB.Conn(), log)
	container.Sender = notify.NewLogSender(log)

	container.Pipeline = pipeline.New(
		container.Store,
		objects,
		crypto.NewEngine(),
		pipeline.NewKeyCache(objects),
		container.Sender,
		log,
	)
	container.Registry = container.Pipeline.BuildRegistry()

	if cfg.Broker.Enabled {
		container.Broker = queue.NewBroker(container.BrokerDB.Conn(), cfg.Queues, log)
		container.Backend = container.Broker
		log.Info().Str("db", cfg.Broker.DBPath).Msg("Queue backend: broker")
	} else {
		container.Backend = queue.NewInline(container.Registry, cfg.Queues, log)
		log.Info().Msg("Queue backend: inline (no broker configured)")
	}

	databases := map[string]*database.DB{"study": studyDB}
	if container.BrokerDB != nil {
		databases["broker"] = container.BrokerDB
	}
	maint := reliability.NewMaintenance(databases, objects, filepath.Join(cfg.DataDir, "backups"), log)

	lock := dispatch.NewLock(studyDB.Conn(), log)
	container.Dispatcher = dispatch.New(container.Store, container.Backend, container.Broker, maint, lock, cfg, log)

	log.Info().Msg("Dependency injection wiring completed successfully")
	return container, nil
}

// newObjectStore selects S3 when a bucket is configured, the local
// filesystem store otherwise.
func newObjectStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (objstore.Store, error) {
	if cfg.ObjectStore.S3Bucket != "" {
		s3Store, err := objstore.NewS3Store(ctx, cfg.ObjectStore, log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize S3 object store: %w", err)
		}
		log.Info().Str("bucket", cfg.ObjectStore.S3Bucket).Msg("Object store: S3")
		return s3Store, nil
	}

	fsStore, err := objstore.NewFSStore(cfg.ObjectStore.LocalDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize filesystem object store: %w", err)
	}
	log.Info().Str("dir", cfg.ObjectStore.LocalDir).Msg("Object store: filesystem")
	return fsStore, nil
}
