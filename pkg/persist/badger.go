package persist

import (
	"context"
	"encoding/json"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/io-engine/io-engine/internal/logger"
	"github.com/io-engine/io-engine/pkg/ioerr"
)

// Key namespace: "p:" properties, "c:" child states.
//
// Data Type        Prefix  Key Format                    Value
// Property         "p:"    p:<replicaUUID>:<key>          raw bytes
// Child state      "c:"    c:<nexusUUID>:<childURI>       ChildState (JSON)
const (
	prefixProperty   = "p:"
	prefixChildState = "c:"
)

func keyProperty(replicaUUID, key string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixProperty, replicaUUID, key))
}

func propertyPrefix(replicaUUID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixProperty, replicaUUID))
}

func keyChildState(nexusUUID, childURI string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixChildState, nexusUUID, childURI))
}

func childStatePrefix(nexusUUID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixChildState, nexusUUID))
}

// BadgerStore is the default durable Store backend, an embedded BadgerDB
// instance rooted at a single directory.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (creating if necessary) a BadgerDB instance at dir.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, ioerr.Wrap(ioerr.Internal, err, "failed to open badger store at %s", dir)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) PutProperty(_ context.Context, replicaUUID, key string, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyProperty(replicaUUID, key), value)
	})
	if err != nil {
		return ioerr.Wrap(ioerr.Internal, err, "failed to store property %q for replica %s", key, replicaUUID)
	}
	return nil
}

func (s *BadgerStore) GetProperty(_ context.Context, replicaUUID, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyProperty(replicaUUID, key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte(nil), val...)
			return nil
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, ioerr.New(ioerr.NotFound, "property %q not set for replica %s", key, replicaUUID)
	}
	if err != nil {
		return nil, ioerr.Wrap(ioerr.Internal, err, "failed to read property %q for replica %s", key, replicaUUID)
	}
	return out, nil
}

func (s *BadgerStore) ListProperties(_ context.Context, replicaUUID string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	prefix := propertyPrefix(replicaUUID)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := string(item.Key()[len(prefix):])
			err := item.Value(func(val []byte) error {
				out[key] = append([]byte(nil), val...)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, ioerr.Wrap(ioerr.Internal, err, "failed to list properties for replica %s", replicaUUID)
	}
	return out, nil
}

func (s *BadgerStore) DeleteProperties(_ context.Context, replicaUUID string) error {
	prefix := propertyPrefix(replicaUUID)
	err := s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, append([]byte(nil), it.Item().Key()...))
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ioerr.Wrap(ioerr.Internal, err, "failed to delete properties for replica %s", replicaUUID)
	}
	return nil
}

func (s *BadgerStore) UpdateChildState(_ context.Context, st ChildState) error {
	encoded, err := json.Marshal(st)
	if err != nil {
		return ioerr.Wrap(ioerr.Internal, err, "failed to encode child state")
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyChildState(st.NexusUUID, st.ChildURI), encoded)
	})
	if err != nil {
		return ioerr.Wrap(ioerr.Internal, err, "failed to persist child state for nexus %s", st.NexusUUID)
	}
	logger.Debug("child state persisted", logger.Nexus(st.NexusUUID), logger.State(st.NewState))
	return nil
}

func (s *BadgerStore) ChildStates(_ context.Context, nexusUUID string) ([]ChildState, error) {
	var out []ChildState
	prefix := childStatePrefix(nexusUUID)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var st ChildState
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &st)
			})
			if err != nil {
				return err
			}
			out = append(out, st)
		}
		return nil
	})
	if err != nil {
		return nil, ioerr.Wrap(ioerr.Internal, err, "failed to list child states for nexus %s", nexusUUID)
	}
	return out, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
