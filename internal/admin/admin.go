// Package admin runs the one-shot maintenance commands against a driver.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/seedworks/seed/internal/objstore"
	"github.com/seedworks/seed/internal/store"
	"github.com/seedworks/seed/pkg/logger"
	"github.com/seedworks/seed/pkg/metrics"
)

// DumpPrefix is the object key prefix for collection snapshots.
const DumpPrefix = "dumps"

// Admin wraps a driver with the init, migrate, drop and dump commands.
type Admin struct {
	driver   store.Driver
	uploader objstore.Uploader
	now      func() time.Time
}

type Option func(*Admin)

// WithUploader enables dump and drop --backup.
func WithUploader(u objstore.Uploader) Option {
	return func(a *Admin) { a.uploader = u }
}

// WithClock overrides the snapshot timestamp source.
func WithClock(now func() time.Time) Option {
	return func(a *Admin) { a.now = now }
}

func New(d store.Driver, opts ...Option) *Admin {
	a := &Admin{driver: d, now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Init creates indexes and makes sure every sequence record exists.
func (a *Admin) Init(ctx context.Context) error {
	return a.run("init", func() error {
		if err := a.driver.Register(ctx, a.driver.Descriptors()...); err != nil {
			return err
		}
		return a.driver.InitIndexes(ctx)
	})
}

func (a *Admin) Migrate(ctx context.Context) error {
	return a.run("migrate", func() error { return a.driver.Migrate(ctx) })
}

// Drop removes every registered collection and the sequence records. With
// backup set, a dump is taken first and a failed dump aborts the drop.
func (a *Admin) Drop(ctx context.Context, backup bool) error {
	return a.run("drop", func() error {
		if backup {
			if a.uploader == nil {
				return fmt.Errorf("drop --backup needs object storage (MINIO_ENDPOINT)")
			}
			if _, err := a.dump(ctx); err != nil {
				return fmt.Errorf("backup before drop: %w", err)
			}
		}
		return a.driver.Drop(ctx)
	})
}

// Dump writes each registered collection as a JSON array to
// dumps/<timestamp>/<collection>.json and returns the keys written.
func (a *Admin) Dump(ctx context.Context) ([]string, error) {
	var keys []string
	err := a.run("dump", func() error {
		var err error
		keys, err = a.dump(ctx)
		return err
	})
	return keys, err
}

func (a *Admin) dump(ctx context.Context) ([]string, error) {
	if a.uploader == nil {
		return nil, fmt.Errorf("dump needs object storage (MINIO_ENDPOINT)")
	}
	stamp := a.now().UTC().Format("20060102T150405Z")
	var keys []string
	for _, desc := range a.driver.Descriptors() {
		name := desc.CollectionName()
		docs, err := a.export(ctx, name)
		if err != nil {
			return keys, err
		}
		data, err := json.Marshal(docs)
		if err != nil {
			return keys, fmt.Errorf("encode %s: %w", name, err)
		}
		key := path.Join(DumpPrefix, stamp, name+".json")
		if err := a.uploader.Put(ctx, key, data, "application/json"); err != nil {
			return keys, err
		}
		logger.Infof("dumped %d documents from %s to %s", len(docs), name, key)
		keys = append(keys, key)
	}
	return keys, nil
}

func (a *Admin) export(ctx context.Context, name string) ([]store.Document, error) {
	col, err := a.driver.Collection(name)
	if err != nil {
		return nil, err
	}
	cur, err := col.Query(ctx, store.Query{Sort: []store.SortField{{Field: store.IDField}}})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	defer cur.Close(ctx)
	docs := []store.Document{}
	for cur.Next(ctx) {
		docs = append(docs, cur.Document())
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return docs, nil
}

func (a *Admin) run(command string, fn func() error) error {
	start := time.Now()
	err := fn()
	if err != nil {
		metrics.AdminRuns.WithLabelValues(command, "error").Inc()
		logger.L().Error().Err(err).Str("command", command).Msg("admin command failed")
		return err
	}
	metrics.AdminRuns.WithLabelValues(command, "ok").Inc()
	logger.L().Info().Str("command", command).Dur("took", time.Since(start)).Msg("admin command finished")
	return nil
}
