package collab

import (
	"context"
	"sync"
)

// TransactionStore is the durable log of a collaboration.
// Serials are assigned by the store, start at 1 and increase by one per new transaction.
type TransactionStore interface {
	// Add stores `tx` with the next serial. A known id is not stored again
	// and returns its existing serial with `added` false.
	Add(ctx context.Context, collaborationId string, tx *LegacyTransaction) (serial int64, added bool, err error)
	// all transactions in serial order
	History(ctx context.Context, collaborationId string) ([]*LegacyTransaction, error)
	// the known transactions among `ids`, in serial order
	Get(ctx context.Context, collaborationId string, ids []string) ([]*LegacyTransaction, error)
	// zero for an empty log
	LastSerial(ctx context.Context, collaborationId string) (int64, error)
	Close() error
}

type memoryCollaboration struct {
	transactions []*LegacyTransaction
	serials      map[string]int64
}

type MemoryTransactionStore struct {
	stateLock      sync.Mutex
	collaborations map[string]*memoryCollaboration
}

func NewMemoryTransactionStore() *MemoryTransactionStore {
	return &MemoryTransactionStore{
		collaborations: map[string]*memoryCollaboration{},
	}
}

func (self *MemoryTransactionStore) collaboration(collaborationId string) *memoryCollaboration {
	c, ok := self.collaborations[collaborationId]
	if !ok {
		c = &memoryCollaboration{
			serials: map[string]int64{},
		}
		self.collaborations[collaborationId] = c
	}
	return c
}

func (self *MemoryTransactionStore) Add(ctx context.Context, collaborationId string, tx *LegacyTransaction) (int64, bool, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	c := self.collaboration(collaborationId)
	if serial, ok := c.serials[tx.Id]; ok {
		return serial, false, nil
	}
	serial := int64(len(c.transactions)) + 1
	stored := *tx
	stored.Serial = serial
	c.transactions = append(c.transactions, &stored)
	c.serials[tx.Id] = serial
	return serial, true, nil
}

func (self *MemoryTransactionStore) History(ctx context.Context, collaborationId string) ([]*LegacyTransaction, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	c := self.collaboration(collaborationId)
	history := make([]*LegacyTransaction, len(c.transactions))
	for i, tx := range c.transactions {
		txCopy := *tx
		history[i] = &txCopy
	}
	return history, nil
}

func (self *MemoryTransactionStore) Get(ctx context.Context, collaborationId string, ids []string) ([]*LegacyTransaction, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	c := self.collaboration(collaborationId)
	found := []*LegacyTransaction{}
	for _, tx := range c.transactions {
		for _, id := range ids {
			if tx.Id == id {
				txCopy := *tx
				found = append(found, &txCopy)
				break
			}
		}
	}
	return found, nil
}

func (self *MemoryTransactionStore) LastSerial(ctx context.Context, collaborationId string) (int64, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return int64(len(self.collaboration(collaborationId).transactions)), nil
}

func (self *MemoryTransactionStore) Close() error {
	return nil
}
