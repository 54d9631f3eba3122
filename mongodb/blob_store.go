package mongodb

import (
	"context"
	stderrors "errors"
	"regexp"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.pilab.hu/restodb/domain"
	serrors "go.pilab.hu/restodb/errors"
	"go.pilab.hu/restodb/internal/metrics"
)

type blobRecord struct {
	Path      string    `bson:"_id"`
	Content   []byte    `bson:"content"`
	Revision  string    `bson:"revision"`
	Message   string    `bson:"message,omitempty"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// BlobStore implements domain.BlobStore. Each write stamps a fresh random
// revision; updates match on the previous one.
type BlobStore struct {
	collection *mongo.Collection
}

var _ domain.BlobStore = (*BlobStore)(nil)

// NewBlobStore wraps an existing collection.
func NewBlobStore(collection *mongo.Collection) *BlobStore {
	return &BlobStore{collection: collection}
}

func (s *BlobStore) Read(ctx context.Context, path string) (*domain.Blob, error) {
	var rec blobRecord
	err := s.collection.FindOne(ctx, bson.M{"_id": path}).Decode(&rec)
	if stderrors.Is(err, mongo.ErrNoDocuments) {
		metrics.RemoteRequestsTotal.WithLabelValues("read", "404").Inc()
		return nil, &serrors.NotFoundError{Kind: "file", Key: path}
	}
	if err != nil {
		return nil, s.transportError("read", path, err)
	}
	metrics.RemoteRequestsTotal.WithLabelValues("read", "ok").Inc()
	return &domain.Blob{Path: path, Content: rec.Content, Revision: rec.Revision}, nil
}

func (s *BlobStore) Write(ctx context.Context, path string, content []byte, expectedRevision, message string) (string, error) {
	rev := uuid.NewString()
	now := time.Now().UTC()

	if expectedRevision == "" {
		_, err := s.collection.InsertOne(ctx, blobRecord{Path: path, Content: content, Revision: rev, Message: message, UpdatedAt: now})
		if mongo.IsDuplicateKeyError(err) {
			return "", &serrors.ConflictError{Path: path}
		}
		if err != nil {
			return "", s.transportError("write", path, err)
		}
		metrics.RemoteRequestsTotal.WithLabelValues("write", "ok").Inc()
		return rev, nil
	}

	res, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": path, "revision": expectedRevision},
		bson.M{"$set": bson.M{"content": content, "revision": rev, "message": message, "updated_at": now}},
	)
	if err != nil {
		return "", s.transportError("write", path, err)
	}
	if res.MatchedCount == 0 {
		metrics.RemoteRequestsTotal.WithLabelValues("write", "409").Inc()
		return "", &serrors.ConflictError{Path: path, Expected: expectedRevision}
	}
	metrics.RemoteRequestsTotal.WithLabelValues("write", "ok").Inc()
	return rev, nil
}

func (s *BlobStore) Delete(ctx context.Context, path, expectedRevision, _ string) error {
	filter := bson.M{"_id": path}
	if expectedRevision != "" {
		filter["revision"] = expectedRevision
	}
	res, err := s.collection.DeleteOne(ctx, filter)
	if err != nil {
		return s.transportError("delete", path, err)
	}
	if res.DeletedCount > 0 {
		return nil
	}
	if _, err := s.Read(ctx, path); err != nil {
		return err
	}
	return &serrors.ConflictError{Path: path, Expected: expectedRevision}
}

func (s *BlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	filter := bson.M{"_id": bson.M{"$regex": "^" + regexp.QuoteMeta(prefix)}}
	cursor, err := s.collection.Find(ctx, filter, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, s.transportError("list", prefix, err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Path string `bson:"_id"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, s.transportError("list", prefix, err)
	}
	paths := make([]string, 0, len(rows))
	for _, r := range rows {
		paths = append(paths, r.Path)
	}
	sort.Strings(paths)
	return paths, nil
}

// Ping checks the server and the credential.
func (s *BlobStore) Ping(ctx context.Context) error {
	err := ping(ctx, s.collection.Database().Client())
	if err == nil {
		return nil
	}
	var cmdErr mongo.CommandError
	if stderrors.As(err, &cmdErr) && (cmdErr.Code == 18 || cmdErr.Code == 13) {
		return &serrors.ConfigurationError{Field: "mongo.uri", Reason: "credential rejected", Err: serrors.ErrInvalidCredential}
	}
	return &serrors.ConfigurationError{Field: "mongo.uri", Reason: err.Error(), Err: serrors.ErrBackendUnreachable}
}

func (s *BlobStore) transportError(op, path string, err error) error {
	metrics.RemoteRequestsTotal.WithLabelValues(op, "error").Inc()
	retryable := mongo.IsTimeout(err) || mongo.IsNetworkError(err)
	log.Warn().Err(err).Str("op", op).Str("path", path).Bool("retryable", retryable).Msg("MongoDB blob operation failed")
	te := &serrors.TransportError{Op: op, Path: path, Retryable: retryable, Err: err}
	if mongo.IsTimeout(err) {
		te.Err = stderrors.Join(serrors.ErrTimeout, err)
	}
	return te
}
