// Package mongodb stores collection blobs in a MongoDB collection, for
// deployments that keep their data on a self-hosted server instead of a
// hosted file repository.
package mongodb

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"

	serrors "go.pilab.hu/restodb/errors"
)

// DefaultCollection holds one document per blob path.
const DefaultCollection = "blobs"

// Connect dials MongoDB with tracing enabled and returns a BlobStore over
// database.collection. The caller owns the returned client.
func Connect(ctx context.Context, uri, database, collection string) (*BlobStore, *mongo.Client, error) {
	if uri == "" {
		return nil, nil, serrors.NewMissingConfig("mongo.uri")
	}
	if collection == "" {
		collection = DefaultCollection
	}

	clientOptions := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(10 * time.Second).
		SetMonitor(otelmongo.NewMonitor())

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, nil, &serrors.ConfigurationError{Field: "mongo.uri", Reason: "cannot create client", Err: err}
	}
	log.Info().Str("database", database).Str("collection", collection).Msg("MongoDB blob store configured")

	return NewBlobStore(client.Database(database).Collection(collection)), client, nil
}

// Disconnect closes the client, logging failures.
func Disconnect(ctx context.Context, client *mongo.Client) {
	if client == nil {
		return
	}
	log.Info().Msg("Closing MongoDB connection.")
	if err := client.Disconnect(ctx); err != nil {
		log.Error().Err(err).Msg("Error closing MongoDB connection")
	}
}

func ping(ctx context.Context, client *mongo.Client) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return client.Ping(pingCtx, readpref.Primary())
}
