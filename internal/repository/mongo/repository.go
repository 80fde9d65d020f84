package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	appName         = "feedstream"
	connectTimeout  = 10 * time.Second
	defaultPoolSize = 16
)

// Connect establishes and verifies a client connection. Base options carry
// the service defaults; extra options (tracing monitors, test overrides) are
// applied on top.
func Connect(ctx context.Context, uri string, extra ...*options.ClientOptions) (*mongo.Client, error) {
	base := options.Client().
		ApplyURI(uri).
		SetAppName(appName).
		SetConnectTimeout(connectTimeout).
		SetMaxPoolSize(defaultPoolSize)

	client, err := mongo.Connect(ctx, append([]*options.ClientOptions{base}, extra...)...)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return client, nil
}
