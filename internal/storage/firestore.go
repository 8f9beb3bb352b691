package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/dgellow/ride-signin/internal/log"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var _ KV = (*FirestoreKV)(nil)
var _ Expirer = (*FirestoreKV)(nil)

// Firestore batch write limit
const maxBatchSize = 500

// FirestoreKV stores one document per key in a single collection.
//
// Error handling strategy:
// - Reads return errors; the flag store above turns them into "absent"
// - Prefix and expiry deletes commit in batches and stop at the first failure
//
// Document IDs are the base64url form of the key since keys contain '/'.
// The raw key is kept in the "key" field for prefix range queries.
type FirestoreKV struct {
	client     *firestore.Client
	collection string
	retention  time.Duration
	now        func() time.Time
}

type flagDoc struct {
	Key       string    `firestore:"key"`
	Value     string    `firestore:"value"`
	ExpiresAt time.Time `firestore:"expires_at"`
}

// NewFirestoreKV creates a Firestore-backed store
func NewFirestoreKV(ctx context.Context, projectID, database, collection string, retention time.Duration, opts ...Option) (*FirestoreKV, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required")
	}
	if collection == "" {
		return nil, fmt.Errorf("collection is required")
	}
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive")
	}

	var client *firestore.Client
	var err error
	if database != "" && database != "(default)" {
		client, err = firestore.NewClientWithDatabase(ctx, projectID, database)
	} else {
		client, err = firestore.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	log.LogInfoWithFields("storage", "Connected to Firestore", map[string]any{
		"project":    projectID,
		"database":   database,
		"collection": collection,
	})

	o := buildOptions(opts)
	return &FirestoreKV{
		client:     client,
		collection: collection,
		retention:  retention,
		now:        o.now,
	}, nil
}

func docID(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

// prefixEnd bounds a Firestore range query to keys starting with prefix
func prefixEnd(prefix string) string {
	return prefix + "\uf8ff"
}

func (s *FirestoreKV) Get(ctx context.Context, key string) (string, error) {
	doc, err := s.client.Collection(s.collection).Doc(docID(key)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to get flag from Firestore: %w", err)
	}

	var d flagDoc
	if err := doc.DataTo(&d); err != nil {
		return "", fmt.Errorf("failed to unmarshal flag: %w", err)
	}
	if !s.now().Before(d.ExpiresAt) {
		return "", ErrNotFound
	}
	return d.Value, nil
}

func (s *FirestoreKV) Set(ctx context.Context, key, value string) error {
	d := flagDoc{
		Key:       key,
		Value:     value,
		ExpiresAt: s.now().Add(s.retention),
	}
	if _, err := s.client.Collection(s.collection).Doc(docID(key)).Set(ctx, d); err != nil {
		return fmt.Errorf("failed to store flag in Firestore: %w", err)
	}
	return nil
}

func (s *FirestoreKV) Delete(ctx context.Context, key string) error {
	if _, err := s.client.Collection(s.collection).Doc(docID(key)).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete flag from Firestore: %w", err)
	}
	return nil
}

func (s *FirestoreKV) DeletePrefix(ctx context.Context, prefix string) error {
	query := s.client.Collection(s.collection).
		Where("key", ">=", prefix).
		Where("key", "<", prefixEnd(prefix))
	_, err := s.deleteQuery(ctx, query)
	return err
}

// DeleteExpired removes all documents past their retention
func (s *FirestoreKV) DeleteExpired(ctx context.Context) (int, error) {
	query := s.client.Collection(s.collection).Where("expires_at", "<=", s.now())
	count, err := s.deleteQuery(ctx, query)
	if count > 0 {
		log.LogInfoWithFields("firestore", "Cleaned up expired flags", map[string]any{
			"count": count,
		})
	}
	return count, err
}

func (s *FirestoreKV) deleteQuery(ctx context.Context, query firestore.Query) (int, error) {
	iter := query.Documents(ctx)
	defer iter.Stop()

	count := 0
	batch := s.client.Batch()
	batchSize := 0

	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return count, fmt.Errorf("failed to iterate flags: %w", err)
		}

		batch.Delete(doc.Ref)
		batchSize++
		count++

		if batchSize >= maxBatchSize {
			if _, err := batch.Commit(ctx); err != nil {
				return count, fmt.Errorf("failed to commit batch: %w", err)
			}
			batch = s.client.Batch()
			batchSize = 0
		}
	}

	if batchSize > 0 {
		if _, err := batch.Commit(ctx); err != nil {
			return count, fmt.Errorf("failed to commit final batch: %w", err)
		}
	}
	return count, nil
}

// Close closes the Firestore client
func (s *FirestoreKV) Close() error {
	return s.client.Close()
}
