// Package backend opens the store.Store selected by configuration.
package backend

import (
	"context"
	"fmt"

	"github.com/pliu/ume/internal/config"
	"github.com/pliu/ume/internal/store"
	"github.com/pliu/ume/internal/store/mongostore"
	"github.com/pliu/ume/internal/store/pebblestore"
	"github.com/pliu/ume/internal/store/sqlstore"
)

// Open returns the backend named by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	var (
		s   store.Store
		err error
	)
	switch cfg.Driver {
	case "sqlite3", "postgres":
		s, err = open(sqlstore.New(cfg.Driver, cfg.DSN))
	case "pebble":
		s, err = open(pebblestore.Open(cfg.Path, nil))
	case "mongo":
		s, err = open(mongostore.Open(ctx, cfg.MongoURL, cfg.MongoDatabase))
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
	}
	return s, nil
}

// open keeps a typed nil pointer out of the returned interface.
func open[S store.Store](s S, err error) (store.Store, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}
