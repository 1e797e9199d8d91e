package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// BadgerAdapter is the embedded log-structured backend: a single
// badger database shared by every collection, with keys namespaced as
// "<collection>\x00<key>" so Query can range-scan one collection's
// keyspace without touching another's.
type BadgerAdapter struct {
	db *badger.DB
}

// NewBadgerAdapter opens (creating if necessary) a badger database
// rooted at dir. Badger's own logger is replaced with a no-op sink so
// its internal compaction chatter doesn't leak into structured logs.
func NewBadgerAdapter(dir string) (*BadgerAdapter, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open %s: %w", dir, err)
	}
	return &BadgerAdapter{db: db}, nil
}

func badgerKey(collection, key string) []byte {
	return []byte(collection + "\x00" + key)
}

func (a *BadgerAdapter) Get(_ context.Context, collection, key string, _ Options) (Value, error) {
	var value Value
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(collection, key))
		if err == badger.ErrKeyNotFound {
			value = Null
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(data []byte) error {
			v, err := ValueFromJSON(data)
			if err != nil {
				return err
			}
			value = v
			return nil
		})
	})
	if err != nil {
		return Null, fmt.Errorf("badger: get %s/%s: %w", collection, key, err)
	}
	return value, nil
}

func (a *BadgerAdapter) Set(_ context.Context, collection, key string, value Value, _ Options) (SetResult, error) {
	data, err := value.MarshalJSON()
	if err != nil {
		return SetResult{}, fmt.Errorf("badger: marshal %s/%s: %w", collection, key, err)
	}

	var timestamp int64
	err = a.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(badgerKey(collection, key), data); err != nil {
			return err
		}
		item, err := txn.Get(badgerKey(collection, key))
		if err != nil {
			return err
		}
		timestamp = int64(item.Version())
		return nil
	})
	if err != nil {
		return SetResult{}, fmt.Errorf("badger: set %s/%s: %w", collection, key, err)
	}
	return SetResult{Key: key, Timestamp: timestamp}, nil
}

func (a *BadgerAdapter) Delete(_ context.Context, collection, key string, _ Options) (DeleteResult, error) {
	err := a.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(collection, key))
	})
	if err != nil {
		return DeleteResult{}, fmt.Errorf("badger: delete %s/%s: %w", collection, key, err)
	}
	return DeleteResult{Deleted: key}, nil
}

func (a *BadgerAdapter) Query(_ context.Context, collection string, predicate map[string]Value, _ Options) ([]QueryRow, error) {
	prefix := []byte(collection + "\x00")
	var rows []QueryRow

	err := a.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := strings.TrimPrefix(string(item.Key()), string(prefix))

			err := item.Value(func(data []byte) error {
				value, err := ValueFromJSON(data)
				if err != nil {
					return nil // skip undecodable entries rather than fail the whole scan
				}
				if !matchesPredicate(value, predicate) {
					return nil
				}
				fields, _ := value.Fields()
				rows = append(rows, QueryRow{Key: key, Fields: fields})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger: query %s: %w", collection, err)
	}
	return rows, nil
}

func (a *BadgerAdapter) Close() error {
	return a.db.Close()
}
