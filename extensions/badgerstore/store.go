// Package badgerstore persists broker sessions in an embedded BadgerDB.
// Snapshots are stored as msgpack values under the "session/" key prefix.
package badgerstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/vitalvas/mqtt311"
)

const keyPrefix = "session/"

var ErrDirRequired = errors.New("badgerstore: Dir is required for on-disk mode")

// Options configures the store.
type Options struct {
	// Dir is the directory for BadgerDB data files. Required unless InMemory.
	Dir string

	// InMemory runs BadgerDB without disk persistence. Useful for tests.
	InMemory bool

	// Logger sets the badger logger. If nil, only warnings and errors are
	// written to the standard logger.
	Logger badger.Logger
}

// Store is a mqtt311.SessionStore backed by BadgerDB.
type Store struct {
	db *badger.DB
}

var _ mqtt311.SessionStore = (*Store)(nil)

// Open opens or creates a store.
func Open(opts Options) (*Store, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, ErrDirRequired
	}

	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	if opts.Logger != nil {
		dbOpts = dbOpts.WithLogger(opts.Logger)
	} else {
		dbOpts = dbOpts.WithLogger(quietLogger{})
	}

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("badgerstore: open: %w", err)
	}
	return &Store{db: db}, nil
}

func sessionKey(clientID string) []byte {
	return []byte(keyPrefix + clientID)
}

// LoadSession returns the saved state for a client, or mqtt311.ErrSessionNotFound.
func (s *Store) LoadSession(_ context.Context, clientID string) (*mqtt311.SessionSnapshot, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(clientID))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, mqtt311.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badgerstore: load %q: %w", clientID, err)
	}

	snap, err := decode(val)
	if err != nil {
		return nil, fmt.Errorf("badgerstore: decode %q: %w", clientID, err)
	}
	return snap, nil
}

// SaveSession creates or replaces the saved state for a client.
func (s *Store) SaveSession(_ context.Context, snapshot *mqtt311.SessionSnapshot) error {
	val, err := encode(snapshot)
	if err != nil {
		return fmt.Errorf("badgerstore: encode %q: %w", snapshot.ClientID, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sessionKey(snapshot.ClientID), val)
	})
	if err != nil {
		return fmt.Errorf("badgerstore: save %q: %w", snapshot.ClientID, err)
	}
	return nil
}

// DeleteSession removes the saved state for a client.
func (s *Store) DeleteSession(_ context.Context, clientID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(sessionKey(clientID))
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("badgerstore: delete %q: %w", clientID, err)
	}
	return nil
}

// ListSessions returns the saved client identifiers in key order.
func (s *Store) ListSessions(_ context.Context) ([]string, error) {
	prefix := []byte(keyPrefix)
	var ids []string

	err := s.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		iterOpts.PrefetchValues = false
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			ids = append(ids, string(key[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badgerstore: list: %w", err)
	}
	return ids, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Snapshots reuse their json field names as msgpack keys.
func encode(snap *mqtt311.SessionSnapshot) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(snap); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte) (*mqtt311.SessionSnapshot, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")

	var snap mqtt311.SessionSnapshot
	if err := dec.Decode(&snap); err != nil {
		return nil, err
	}
	if snap.Subscriptions == nil {
		snap.Subscriptions = make(map[string]byte)
	}
	return &snap, nil
}

// quietLogger drops badger's debug and info output.
type quietLogger struct{}

func (quietLogger) Errorf(f string, v ...any)   { log.Printf("[badger] ERROR: "+f, v...) }
func (quietLogger) Warningf(f string, v ...any) { log.Printf("[badger] WARN: "+f, v...) }
func (quietLogger) Infof(string, ...any)        {}
func (quietLogger) Debugf(string, ...any)       {}
