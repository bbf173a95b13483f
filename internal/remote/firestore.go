package remote

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore is the Store backed by Cloud Firestore.
type FirestoreStore struct {
	client *firestore.Client
	logger *zap.Logger
}

var _ Store = (*FirestoreStore)(nil)

// NewFirestoreStore wraps an initialized Firestore client.
func NewFirestoreStore(client *firestore.Client, logger *zap.Logger) (*FirestoreStore, error) {
	if client == nil {
		return nil, fmt.Errorf("remote: firestore client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FirestoreStore{client: client, logger: logger}, nil
}

// Close releases the underlying client.
func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

func (s *FirestoreStore) Write(ctx context.Context, collection, key string, fields map[string]any, mode WriteMode) error {
	if err := validateDocumentRef(collection, key); err != nil {
		return err
	}
	ref := s.client.Collection(collection).Doc(key)
	var err error
	if mode == WriteMerge {
		_, err = ref.Set(ctx, fields, firestore.MergeAll)
	} else {
		_, err = ref.Set(ctx, fields)
	}
	if err != nil {
		return fmt.Errorf("remote: write %s/%s: %w", collection, key, err)
	}
	return nil
}

func (s *FirestoreStore) Read(ctx context.Context, collection, key string) (Document, error) {
	if err := validateDocumentRef(collection, key); err != nil {
		return Document{}, err
	}
	snapshot, err := s.client.Collection(collection).Doc(key).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("remote: read %s/%s: %w", collection, key, err)
	}
	if !snapshot.Exists() {
		return Document{}, ErrNotFound
	}
	return Document{Key: snapshot.Ref.ID, Fields: snapshot.Data()}, nil
}

func (s *FirestoreStore) Delete(ctx context.Context, collection, key string) error {
	if err := validateDocumentRef(collection, key); err != nil {
		return err
	}
	if _, err := s.client.Collection(collection).Doc(key).Delete(ctx); err != nil {
		return fmt.Errorf("remote: delete %s/%s: %w", collection, key, err)
	}
	return nil
}

func (s *FirestoreStore) QueryWhere(ctx context.Context, collection, field string, value any) ([]Document, error) {
	parsed, err := parsePath(collection)
	if err != nil {
		return nil, err
	}
	if parsed.document {
		return nil, fmt.Errorf("%w: %q is not a collection", ErrInvalidPath, collection)
	}
	snapshots, err := s.client.Collection(collection).Where(field, "==", value).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("remote: query %s where %s: %w", collection, field, err)
	}
	documents := make([]Document, 0, len(snapshots))
	for _, snapshot := range snapshots {
		documents = append(documents, Document{Key: snapshot.Ref.ID, Fields: snapshot.Data()})
	}
	return documents, nil
}

func (s *FirestoreStore) Subscribe(ctx context.Context, path string, onChange func(Snapshot), onError func(error)) (func(), error) {
	parsed, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	if onChange == nil {
		return nil, fmt.Errorf("remote: onChange callback is required")
	}
	if onError == nil {
		onError = func(err error) {
			s.logger.Warn("remote subscription error", zap.String("path", path), zap.Error(err))
		}
	}
	watchContext, cancel := context.WithCancel(ctx)
	if parsed.document {
		iter := s.client.Collection(parsed.collection).Doc(parsed.key).Snapshots(watchContext)
		go s.watchDocument(watchContext, path, iter, onChange, onError)
		return func() {
			cancel()
			iter.Stop()
		}, nil
	}
	iter := s.client.Collection(parsed.collection).Snapshots(watchContext)
	go s.watchCollection(watchContext, path, iter, onChange, onError)
	return func() {
		cancel()
		iter.Stop()
	}, nil
}

func (s *FirestoreStore) watchDocument(ctx context.Context, path string, iter *firestore.DocumentSnapshotIterator, onChange func(Snapshot), onError func(error)) {
	for {
		snapshot, err := iter.Next()
		if err != nil {
			if !isWatchStopped(ctx, err) {
				onError(err)
			}
			return
		}
		result := Snapshot{Path: path}
		if snapshot.Exists() {
			result.Documents = []Document{{Key: snapshot.Ref.ID, Fields: snapshot.Data()}}
		}
		onChange(result)
	}
}

func (s *FirestoreStore) watchCollection(ctx context.Context, path string, iter *firestore.QuerySnapshotIterator, onChange func(Snapshot), onError func(error)) {
	for {
		snapshot, err := iter.Next()
		if err != nil {
			if !isWatchStopped(ctx, err) {
				onError(err)
			}
			return
		}
		documents, err := snapshot.Documents.GetAll()
		if err != nil {
			onError(err)
			continue
		}
		result := Snapshot{Path: path, Documents: make([]Document, 0, len(documents))}
		for _, document := range documents {
			result.Documents = append(result.Documents, Document{Key: document.Ref.ID, Fields: document.Data()})
		}
		onChange(result)
	}
}

func isWatchStopped(ctx context.Context, err error) bool {
	if errors.Is(err, iterator.Done) || ctx.Err() != nil {
		return true
	}
	return status.Code(err) == codes.Canceled
}
