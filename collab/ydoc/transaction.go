package ydoc

import (
	"fmt"
	"slices"
)

// Transaction collects local edits. The edits are applied to the doc immediately
// and `Doc.Transact` returns them encoded as one update for peers.
type Transaction struct {
	doc     *Doc
	items   []*item
	deletes []ID
	changed bool
}

// Transact runs `fn` as a local transaction and returns the encoded update,
// or nil if the transaction made no change.
func (self *Doc) Transact(fn func(tx *Transaction) error) ([]byte, error) {
	tx := &Transaction{
		doc: self,
	}
	err := fn(tx)
	// edits made before an error are already applied, so they are still returned
	if len(tx.items) == 0 && len(tx.deletes) == 0 {
		return nil, err
	}
	return encodeUpdate(tx.items, tx.deletes), err
}

func (self *Transaction) Changed() bool {
	return self.changed
}

func (self *Transaction) newItem(kind itemKind, parent string) *item {
	doc := self.doc
	doc.lamport += 1
	return &item{
		id: ID{
			Client: doc.clientId,
			Clock:  doc.nextClock(doc.clientId),
		},
		lamport: doc.lamport,
		kind:    kind,
		parent:  parent,
	}
}

func (self *Transaction) insert(kind itemKind, name string, index int, contents [][]byte) error {
	length := self.doc.Len(name)
	if index < 0 || length < index {
		return fmt.Errorf("Insert index %d out of range [0, %d]", index, length)
	}
	seq := self.doc.sequence(name)
	left := seq.itemAt(index - 1)
	for _, content := range contents {
		it := self.newItem(kind, name)
		if left != &seq.head {
			origin := left.id
			it.origin = &origin
		}
		it.content = content
		if self.doc.integrate(it) {
			self.changed = true
		}
		self.items = append(self.items, it)
		left = it
	}
	return nil
}

func (self *Transaction) InsertText(name string, index int, text string) error {
	contents := [][]byte{}
	for _, r := range text {
		contents = append(contents, []byte(string(r)))
	}
	return self.insert(kindRune, name, index, contents)
}

func (self *Transaction) InsertEmbed(name string, index int, embeds ...[]byte) error {
	contents := make([][]byte, len(embeds))
	for i, embed := range embeds {
		contents[i] = slices.Clone(embed)
	}
	return self.insert(kindEmbed, name, index, contents)
}

// Delete removes `length` visible elements starting at `index` from a sequence.
func (self *Transaction) Delete(name string, index int, length int) error {
	total := self.doc.Len(name)
	if index < 0 || length < 0 || total < index+length {
		return fmt.Errorf("Delete range [%d, %d) out of range [0, %d)", index, index+length, total)
	}
	if length == 0 {
		return nil
	}
	seq := self.doc.sequence(name)
	targets := seq.visible()[index : index+length]
	for _, it := range targets {
		if self.doc.applyDelete(it.id) {
			self.changed = true
		}
		self.deletes = append(self.deletes, it.id)
	}
	return nil
}

func (self *Transaction) SetMap(name string, key string, value []byte) {
	it := self.newItem(kindMapValue, name)
	it.key = key
	it.content = slices.Clone(value)
	if self.doc.integrate(it) {
		self.changed = true
	}
	self.items = append(self.items, it)
}

func (self *Transaction) DeleteMap(name string, key string) {
	if winner := self.doc.mapWinner(name, key); winner == nil || winner.kind == kindMapDelete {
		return
	}
	it := self.newItem(kindMapDelete, name)
	it.key = key
	if self.doc.integrate(it) {
		self.changed = true
	}
	self.items = append(self.items, it)
}
