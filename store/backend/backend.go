// Package backend opens the configured SQL store behind one interface so
// the binaries do not care which driver is in use.
package backend

import (
	"context"
	"fmt"

	"github.com/warp/volume-engine/config"
	"github.com/warp/volume-engine/store"
	"github.com/warp/volume-engine/store/postgres"
	"github.com/warp/volume-engine/store/sqlite"
	"github.com/warp/volume-engine/volume"
)

// Backend is a readable and writable event store with a run log.
type Backend interface {
	volume.Source
	store.RunLog

	SaveBatch(ctx context.Context, b volume.Batch) error
	AppendEvents(ctx context.Context, events ...volume.VolumeEvent) error
	SoftDeleteEvent(ctx context.Context, id volume.EventID) error
	Close() error
}

var (
	_ Backend = (*sqlite.Store)(nil)
	_ Backend = (*postgres.Store)(nil)
)

// Open connects to the store named by driver.
func Open(driver, dsn string) (Backend, error) {
	// Typed nil pointers must not escape as non-nil interfaces.
	switch driver {
	case config.DriverSQLite:
		s, err := sqlite.New(dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverPostgres:
		s, err := postgres.New(dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown database driver %q", driver)
}
