package database

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/seedworks/seed/internal/apperr"
	"github.com/seedworks/seed/internal/config"
)

// MongoOptions translates the MONGO_* settings into client options. A URI,
// when present, carries every setting itself.
func MongoOptions(cfg config.MongoDBConfig) (*options.ClientOptions, error) {
	opts := options.Client()
	if cfg.URI != "" {
		return opts.ApplyURI(cfg.URI), nil
	}
	opts.SetHosts([]string{cfg.Host + ":" + strconv.Itoa(cfg.Port)})
	if cfg.Username != "" {
		cred := options.Credential{Username: cfg.Username, Password: cfg.Password, AuthSource: cfg.Database}
		if m := strings.ToUpper(cfg.AuthMechanism); m != "" && m != "DEFAULT" {
			cred.AuthMechanism = m
		}
		opts.SetAuth(cred)
	}
	if cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(cfg.MaxPoolSize)
	}
	if cfg.SocketTimeout > 0 {
		opts.SetSocketTimeout(cfg.SocketTimeout)
	}
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
	}
	if cfg.ReplicaSet != "" {
		opts.SetReplicaSet(cfg.ReplicaSet)
	}
	if cfg.ReadPreference != "" {
		mode, err := readpref.ModeFromString(cfg.ReadPreference)
		if err != nil {
			return nil, fmt.Errorf("MONGO_READ_PREFERENCE: %w", err)
		}
		rp, err := readpref.New(mode)
		if err != nil {
			return nil, fmt.Errorf("MONGO_READ_PREFERENCE: %w", err)
		}
		opts.SetReadPreference(rp)
	}
	return opts, nil
}

// ConnectMongo opens a connection and returns the client. Caller should call client.Disconnect(ctx).
func ConnectMongo(ctx context.Context, cfg config.MongoDBConfig) (*mongo.Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	clientOpts, err := MongoOptions(cfg)
	if err != nil {
		return nil, err
	}
	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return client, nil
}

// MongoError classifies a driver error into the storage error kinds.
func MongoError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), mongo.IsTimeout(err), mongo.IsNetworkError(err):
		return apperr.StorageUnavailable(err)
	case mongo.IsDuplicateKeyError(err):
		return apperr.StorageWrite(err)
	}
	var we mongo.WriteException
	if errors.As(err, &we) {
		return apperr.StorageWrite(err)
	}
	var bwe mongo.BulkWriteException
	if errors.As(err, &bwe) {
		return apperr.StorageWrite(err)
	}
	return apperr.Database(err)
}
