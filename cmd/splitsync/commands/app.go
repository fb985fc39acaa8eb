package commands

import (
	"context"
	"io"
	"log"
	"os"

	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ledgerlite/splitsync/internal/cache"
	"github.com/ledgerlite/splitsync/internal/connectivity"
	"github.com/ledgerlite/splitsync/internal/model"
	"github.com/ledgerlite/splitsync/internal/remote"
	"github.com/ledgerlite/splitsync/internal/schema"
	"github.com/ledgerlite/splitsync/internal/syncer"
)

// app bundles the wired-up core for one command invocation.
type app struct {
	cache  *cache.Store
	store  remote.Store
	remote *remote.Reconnecting // nil when no DSN is configured
	schema *schema.Detector
	conn   *connectivity.Monitor
	engine *syncer.Engine
	logger *log.Logger
}

// logWriter returns the destination for component loggers: a rotated file
// when configured, stderr otherwise.
func logWriter() io.Writer {
	if path := viper.GetString("log_file"); path != "" {
		return &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
	}
	return os.Stderr
}

func newLogger(prefix string) *log.Logger {
	return log.New(logWriter(), prefix, log.LstdFlags)
}

// newApp opens the local cache and, when a DSN is configured, the remote
// store. An unreachable or unconfigured backend is not an error: the app
// starts offline, every local-first operation still works, and the
// reconnecting store dials again on the next connectivity probe.
func newApp(ctx context.Context) (*app, error) {
	logger := newLogger("[splitsync] ")

	store, err := cache.Open(viper.GetString("cache_path"), newLogger("[cache] "))
	if err != nil {
		return nil, err
	}

	a := &app{
		cache:  store,
		store:  remote.Unavailable{},
		logger: logger,
	}

	online := false
	if dsn := viper.GetString("remote_dsn"); dsn != "" {
		a.remote = remote.NewReconnecting(func(ctx context.Context) (remote.Store, error) {
			return remote.Connect(ctx, dsn)
		}, newLogger("[remote] "))
		a.store = a.remote
		if err := a.remote.Ping(ctx); err != nil {
			logger.Printf("Warning: remote store unreachable, starting offline: %v", err)
		} else {
			online = true
		}
	}

	a.conn = connectivity.NewMonitor(online, newLogger("[connectivity] "))
	a.schema = schema.NewDetector(a.store, newLogger("[schema] "))

	engine, err := syncer.New(syncer.Config{
		Cache:        a.cache,
		Store:        a.store,
		Schema:       a.schema,
		Connectivity: a.conn,
		CurrentUser:  currentUser,
		Logger:       newLogger("[sync] "),
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.engine = engine

	return a, nil
}

func (a *app) close() {
	if a.remote != nil {
		a.remote.Close()
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Printf("Warning: failed to close cache: %v", err)
		}
	}
}

// currentUser resolves the configured identity. Name falls back to the ID
// when the MRU list has no entry for it.
func currentUser() *model.User {
	id := viper.GetString("user")
	if id == "" {
		return nil
	}
	name := viper.GetString("user_name")
	if name == "" {
		name = id
	}
	return &model.User{ID: id, Name: name}
}
