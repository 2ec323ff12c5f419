package collab

import (
	"cmp"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// BadgerTransactionStore keeps the logs in an embedded badger database.
//
// keys, per collaboration prefix `c/<len>:<id>/`:
//
//	s/<8 byte big endian serial>  json transaction
//	i/<transaction id>            8 byte big endian serial
//	last                          8 byte big endian serial
type BadgerTransactionStore struct {
	db *badger.DB

	// serializes serial assignment, so update transactions never conflict
	addLock sync.Mutex
}

func OpenBadgerTransactionStore(dir string) (*BadgerTransactionStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerTransactionStore{
		db: db,
	}, nil
}

func badgerCollaborationPrefix(collaborationId string) []byte {
	return []byte(fmt.Sprintf("c/%d:%s/", len(collaborationId), collaborationId))
}

func badgerSerialKey(collaborationId string, serial int64) []byte {
	key := append(badgerCollaborationPrefix(collaborationId), 's', '/')
	return binary.BigEndian.AppendUint64(key, uint64(serial))
}

func badgerIdKey(collaborationId string, id string) []byte {
	key := append(badgerCollaborationPrefix(collaborationId), 'i', '/')
	return append(key, id...)
}

func badgerLastKey(collaborationId string) []byte {
	return append(badgerCollaborationPrefix(collaborationId), "last"...)
}

func badgerReadSerial(txn *badger.Txn, key []byte) (int64, bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, false, nil
	} else if err != nil {
		return 0, false, err
	}
	var serial int64
	err = item.Value(func(value []byte) error {
		if len(value) != 8 {
			return fmt.Errorf("Corrupt serial value (%d bytes)", len(value))
		}
		serial = int64(binary.BigEndian.Uint64(value))
		return nil
	})
	return serial, true, err
}

func (self *BadgerTransactionStore) Add(ctx context.Context, collaborationId string, tx *LegacyTransaction) (int64, bool, error) {
	self.addLock.Lock()
	defer self.addLock.Unlock()

	var serial int64
	added := false
	err := self.db.Update(func(txn *badger.Txn) error {
		existing, ok, err := badgerReadSerial(txn, badgerIdKey(collaborationId, tx.Id))
		if err != nil {
			return err
		}
		if ok {
			serial = existing
			return nil
		}
		last, _, err := badgerReadSerial(txn, badgerLastKey(collaborationId))
		if err != nil {
			return err
		}
		serial = last + 1

		stored := *tx
		stored.Serial = serial
		value, err := json.Marshal(&stored)
		if err != nil {
			return err
		}
		serialValue := binary.BigEndian.AppendUint64(nil, uint64(serial))
		if err := txn.Set(badgerSerialKey(collaborationId, serial), value); err != nil {
			return err
		}
		if err := txn.Set(badgerIdKey(collaborationId, tx.Id), serialValue); err != nil {
			return err
		}
		if err := txn.Set(badgerLastKey(collaborationId), serialValue); err != nil {
			return err
		}
		added = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return serial, added, nil
}

func (self *BadgerTransactionStore) History(ctx context.Context, collaborationId string) ([]*LegacyTransaction, error) {
	history := []*LegacyTransaction{}
	prefix := append(badgerCollaborationPrefix(collaborationId), 's', '/')
	err := self.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			PrefetchValues: true,
			PrefetchSize:   64,
			Prefix:         prefix,
		})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var tx LegacyTransaction
			err := it.Item().Value(func(value []byte) error {
				return json.Unmarshal(value, &tx)
			})
			if err != nil {
				return err
			}
			history = append(history, &tx)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return history, nil
}

func (self *BadgerTransactionStore) Get(ctx context.Context, collaborationId string, ids []string) ([]*LegacyTransaction, error) {
	found := []*LegacyTransaction{}
	err := self.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			serial, ok, err := badgerReadSerial(txn, badgerIdKey(collaborationId, id))
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			item, err := txn.Get(badgerSerialKey(collaborationId, serial))
			if err != nil {
				return err
			}
			var tx LegacyTransaction
			if err := item.Value(func(value []byte) error {
				return json.Unmarshal(value, &tx)
			}); err != nil {
				return err
			}
			found = append(found, &tx)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(found, func(a *LegacyTransaction, b *LegacyTransaction) int {
		return cmp.Compare(a.Serial, b.Serial)
	})
	return slices.CompactFunc(found, func(a *LegacyTransaction, b *LegacyTransaction) bool {
		return a.Serial == b.Serial
	}), nil
}

func (self *BadgerTransactionStore) LastSerial(ctx context.Context, collaborationId string) (int64, error) {
	var last int64
	err := self.db.View(func(txn *badger.Txn) error {
		var err error
		last, _, err = badgerReadSerial(txn, badgerLastKey(collaborationId))
		return err
	})
	return last, err
}

func (self *BadgerTransactionStore) Close() error {
	return self.db.Close()
}
