// Package mongostore persists broker sessions in a MongoDB collection, one
// document per client identifier.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/vitalvas/mqtt311"
)

// DefaultCollection is the collection name used by the daemon.
const DefaultCollection = "sessions"

const clientIDIndex = "sessions_client_id_unique"

var ErrClientIDEmpty = errors.New("mongostore: client_id is empty")

// Store is a mqtt311.SessionStore backed by a MongoDB collection.
type Store struct {
	coll    *mongo.Collection
	timeout time.Duration
}

var _ mqtt311.SessionStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithOperationTimeout bounds every database call. Zero leaves the caller's
// context as the only limit.
func WithOperationTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.timeout = d
	}
}

// New wraps coll and ensures the unique client_id index exists.
func New(ctx context.Context, coll *mongo.Collection, opts ...Option) (*Store, error) {
	s := &Store{coll: coll}
	for _, opt := range opts {
		opt(s)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "client_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName(clientIDIndex),
	})
	if err != nil {
		return nil, fmt.Errorf("mongostore: create index: %w", err)
	}
	return s, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// LoadSession returns the saved state for a client, or mqtt311.ErrSessionNotFound.
func (s *Store) LoadSession(ctx context.Context, clientID string) (*mqtt311.SessionSnapshot, error) {
	if clientID == "" {
		return nil, ErrClientIDEmpty
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc sessionDocument
	err := s.coll.FindOne(ctx, bson.D{{Key: "client_id", Value: clientID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, mqtt311.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: load %q: %w", clientID, err)
	}
	return doc.snapshot(), nil
}

// SaveSession creates or replaces the saved state for a client.
func (s *Store) SaveSession(ctx context.Context, snapshot *mqtt311.SessionSnapshot) error {
	if snapshot.ClientID == "" {
		return ErrClientIDEmpty
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.D{{Key: "client_id", Value: snapshot.ClientID}}
	opts := options.Replace().SetUpsert(true)

	if _, err := s.coll.ReplaceOne(ctx, filter, newSessionDocument(snapshot), opts); err != nil {
		return fmt.Errorf("mongostore: save %q: %w", snapshot.ClientID, err)
	}
	return nil
}

// DeleteSession removes the saved state for a client.
func (s *Store) DeleteSession(ctx context.Context, clientID string) error {
	if clientID == "" {
		return ErrClientIDEmpty
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.coll.DeleteOne(ctx, bson.D{{Key: "client_id", Value: clientID}}); err != nil {
		return fmt.Errorf("mongostore: delete %q: %w", clientID, err)
	}
	return nil
}

// ListSessions returns the saved client identifiers, sorted.
func (s *Store) ListSessions(ctx context.Context) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	values, err := s.coll.Distinct(ctx, "client_id", bson.D{})
	if err != nil {
		return nil, fmt.Errorf("mongostore: list: %w", err)
	}

	ids := make([]string, 0, len(values))
	for _, v := range values {
		if id, ok := v.(string); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
