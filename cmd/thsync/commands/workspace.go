package commands

import (
	"os"

	"github.com/SakenW/TH-Suite-sub005/am"
	"github.com/SakenW/TH-Suite-sub005/db"
	"github.com/SakenW/TH-Suite-sub005/errors"
	"github.com/SakenW/TH-Suite-sub005/logger"
	"github.com/SakenW/TH-Suite-sub005/store"
	"github.com/SakenW/TH-Suite-sub005/sync"
)

// ConfigPath is set by the root --config flag. Empty means the usual
// system, user and project chain.
var ConfigPath string

// loadConfig loads and validates the configuration.
func loadConfig() (*am.Config, error) {
	var (
		cfg *am.Config
		err error
	)
	if ConfigPath != "" {
		cfg, err = am.LoadFromFile(ConfigPath)
	} else {
		cfg, err = am.Load()
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openHubStore opens and migrates the hub database.
func openHubStore(cfg *am.Config) (*store.Store, func(), error) {
	path := cfg.GetDatabasePath()
	database, err := db.OpenWithMigrations(path, logger.Logger)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open hub database at %s", path)
	}
	st, err := store.New(database,
		store.WithLogger(logger.ComponentLogger("store")),
		store.WithObjectCacheSize(cfg.Hub.ObjectCacheSize),
	)
	if err != nil {
		database.Close()
		return nil, nil, err
	}
	return st, func() { database.Close() }, nil
}

// workspace is an opened client workspace: entries and outbox in SQLite,
// payload objects in LevelDB.
type workspace struct {
	store   *store.Store
	objects *store.LevelObjects
	close   func()
}

func openWorkspace(cfg *am.Config) (*workspace, error) {
	dir := cfg.GetWorkspace()
	if err := os.MkdirAll(dir, am.DefaultDirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to create workspace %s", dir)
	}

	database, err := db.OpenWithMigrations(cfg.WorkspaceDBPath(), logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open workspace database in %s", dir)
	}
	st, err := store.New(database, store.WithLogger(logger.ComponentLogger("store")))
	if err != nil {
		database.Close()
		return nil, err
	}
	objects, err := store.OpenLevelObjects(cfg.WorkspaceObjectsPath())
	if err != nil {
		database.Close()
		return nil, err
	}
	return &workspace{
		store:   st,
		objects: objects,
		close: func() {
			objects.Close()
			database.Close()
		},
	}, nil
}

// offlineClient builds a client able to record edits without a hub.
func (w *workspace) offlineClient(cfg *am.Config) (*sync.Client, error) {
	if cfg.Client.ID == "" {
		return nil, errors.WithHint(errors.NewInvalidRequestError("client.id is not set"),
			"set client.id in am.toml or THSYNC_CLIENT_ID")
	}
	return sync.NewClient(cfg.SyncClientConfig(), nil, w.store, w.objects,
		sync.WithClientLogger(logger.ComponentLogger("client")))
}
