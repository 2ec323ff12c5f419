package ydoc

import (
	"cmp"
	"errors"
	"fmt"
	mathrand "math/rand"
	"slices"
	"strings"
)

// an operation based sequence and map crdt
// - every item has an id (client, clock) where clock is contiguous per client starting at 0.
//   The state vector is the next expected clock for each client.
// - sequence items carry a left origin and a lamport timestamp. Concurrent inserts after
//   the same origin are ordered by descending (lamport, client) (RGA).
// - map items are last writer wins by (lamport, client).
// - deletes are tombstones kept in a delete set keyed by item id. A delete for an
//   unknown item is retained and applied when the item arrives.
//
// A Doc is not safe for concurrent use. The owner serializes access.

var ErrInvalidUpdate = errors.New("Invalid update")

// a remote lamport may run ahead of the doc by at most this much, so a peer cannot push
// the doc's lamport close enough to the limit for local increments to wrap
const maxLamportStep = uint64(1) << 32

type ID struct {
	Client uint64
	Clock  uint64
}

func (self ID) String() string {
	return fmt.Sprintf("%d:%d", self.Client, self.Clock)
}

type itemKind byte

const (
	kindRune      itemKind = 1
	kindEmbed     itemKind = 2
	kindMapValue  itemKind = 3
	kindMapDelete itemKind = 4
)

func (self itemKind) isSequence() bool {
	return self == kindRune || self == kindEmbed
}

type item struct {
	id      ID
	lamport uint64
	kind    itemKind
	parent  string
	// map key for map items
	key string
	// left origin for sequence items. nil is the start of the sequence
	origin  *ID
	content []byte

	deleted bool
	left    *item
	right   *item
}

// (lamport, client) total order
func (self *item) after(other *item) bool {
	if self.lamport != other.lamport {
		return other.lamport < self.lamport
	}
	return other.id.Client < self.id.Client
}

type sequence struct {
	// sentinel
	head   item
	length int
}

func newSequence() *sequence {
	return &sequence{}
}

// visible item at index, or the sentinel for -1
func (self *sequence) itemAt(index int) *item {
	if index < 0 {
		return &self.head
	}
	i := 0
	for next := self.head.right; next != nil; next = next.right {
		if !next.deleted {
			if i == index {
				return next
			}
			i += 1
		}
	}
	return nil
}

func (self *sequence) visible() []*item {
	items := make([]*item, 0, self.length)
	for next := self.head.right; next != nil; next = next.right {
		if !next.deleted {
			items = append(items, next)
		}
	}
	return items
}

type Doc struct {
	clientId uint64
	lamport  uint64

	// client -> items ordered by clock
	clients   map[uint64][]*item
	items     map[ID]*item
	sequences map[string]*sequence
	// name -> key -> items for the key
	maps map[string]map[string][]*item

	deleteSet map[ID]bool

	// items received ahead of their dependencies
	pending map[ID]*item
}

func NewDoc() *Doc {
	return NewDocWithClientId(mathrand.Uint64())
}

func NewDocWithClientId(clientId uint64) *Doc {
	return &Doc{
		clientId:  clientId,
		clients:   map[uint64][]*item{},
		items:     map[ID]*item{},
		sequences: map[string]*sequence{},
		maps:      map[string]map[string][]*item{},
		deleteSet: map[ID]bool{},
		pending:   map[ID]*item{},
	}
}

func (self *Doc) ClientId() uint64 {
	return self.clientId
}

func (self *Doc) nextClock(client uint64) uint64 {
	return uint64(len(self.clients[client]))
}

func (self *Doc) sequence(name string) *sequence {
	seq, ok := self.sequences[name]
	if !ok {
		seq = newSequence()
		self.sequences[name] = seq
	}
	return seq
}

func (self *Doc) mapWinner(name string, key string) *item {
	var winner *item
	for _, candidate := range self.maps[name][key] {
		if winner == nil || candidate.after(winner) {
			winner = candidate
		}
	}
	return winner
}

// returns true if the visible state changed
func (self *Doc) integrate(it *item) bool {
	self.clients[it.id.Client] = append(self.clients[it.id.Client], it)
	self.items[it.id] = it
	if self.lamport < it.lamport {
		self.lamport = it.lamport
	}

	if it.kind.isSequence() {
		seq := self.sequence(it.parent)
		var prev *item
		if it.origin == nil {
			prev = &seq.head
		} else {
			prev = self.items[*it.origin]
		}
		next := prev.right
		for next != nil && next.after(it) {
			prev = next
			next = next.right
		}
		it.left = prev
		it.right = next
		prev.right = it
		if next != nil {
			next.left = it
		}
		if self.deleteSet[it.id] {
			it.deleted = true
			return false
		}
		seq.length += 1
		return true
	}

	keys, ok := self.maps[it.parent]
	if !ok {
		keys = map[string][]*item{}
		self.maps[it.parent] = keys
	}
	before := self.mapWinner(it.parent, it.key)
	keys[it.key] = append(keys[it.key], it)
	after := self.mapWinner(it.parent, it.key)
	return before != after
}

// an origin must be an earlier item of the same sequence
func validOrigin(it *item, origin *item) bool {
	return origin.kind.isSequence() && origin.parent == it.parent && origin.lamport < it.lamport
}

// known or pending item, or nil
func (self *Doc) lookup(id ID) *item {
	if it, ok := self.items[id]; ok {
		return it
	}
	return self.pending[id]
}

// validate checks the lamport of every new item and every origin link the update would
// add, against the doc, the pending items and the update itself. Links to items that have not arrived are checked when
// those items arrive.
func (self *Doc) validate(items []*item) (map[ID]*item, error) {
	incoming := map[ID]*item{}
	for _, it := range items {
		if it.id.Clock < self.nextClock(it.id.Client) || self.pending[it.id] != nil {
			continue
		}
		if _, ok := incoming[it.id]; !ok {
			incoming[it.id] = it
		}
	}
	for _, it := range incoming {
		if self.lamport < it.lamport && maxLamportStep < it.lamport-self.lamport {
			return nil, fmt.Errorf("%w: item %s lamport %d too far ahead of %d", ErrInvalidUpdate, it.id, it.lamport, self.lamport)
		}
		if it.origin == nil {
			continue
		}
		origin := self.lookup(*it.origin)
		if origin == nil {
			origin = incoming[*it.origin]
		}
		if origin != nil && !validOrigin(it, origin) {
			return nil, fmt.Errorf("%w: item %s has origin %s outside its sequence", ErrInvalidUpdate, it.id, it.origin)
		}
	}
	for _, it := range self.pending {
		if it.origin == nil {
			continue
		}
		if origin, ok := incoming[*it.origin]; ok && !validOrigin(it, origin) {
			return nil, fmt.Errorf("%w: pending item %s has origin %s outside its sequence", ErrInvalidUpdate, it.id, it.origin)
		}
	}
	return incoming, nil
}

func (self *Doc) ready(it *item) bool {
	if it.id.Clock != self.nextClock(it.id.Client) {
		return false
	}
	if it.origin != nil {
		if _, ok := self.items[*it.origin]; !ok {
			return false
		}
	}
	return true
}

// integrates pending items until no more progress is possible.
// Items are visited in lamport order. An origin always has a smaller lamport than the
// items after it, and a client's lamport grows with its clock, so one pass integrates
// everything that is ready. Further passes only run for out of order lamports.
func (self *Doc) integratePending() (changed bool) {
	for {
		progress := false
		items := make([]*item, 0, len(self.pending))
		for _, it := range self.pending {
			items = append(items, it)
		}
		slices.SortFunc(items, compareLamport)
		for _, it := range items {
			if self.ready(it) {
				delete(self.pending, it.id)
				if self.integrate(it) {
					changed = true
				}
				progress = true
			}
		}
		if !progress || len(self.pending) == 0 {
			return
		}
	}
}

func (self *Doc) applyDelete(id ID) bool {
	if self.deleteSet[id] {
		return false
	}
	self.deleteSet[id] = true
	it, ok := self.items[id]
	if !ok || !it.kind.isSequence() || it.deleted {
		return false
	}
	it.deleted = true
	self.sequence(it.parent).length -= 1
	return true
}

// ApplyUpdate merges a remote update. The update is decoded and its origin links are
// checked before any state is touched, so an invalid update leaves the doc unchanged.
// changed reports whether the visible content changed.
func (self *Doc) ApplyUpdate(update []byte) (changed bool, err error) {
	u, err := decodeUpdate(update)
	if err != nil {
		return false, err
	}
	incoming, err := self.validate(u.items)
	if err != nil {
		return false, err
	}
	for id, it := range incoming {
		self.pending[id] = it
	}
	if self.integratePending() {
		changed = true
	}
	for _, id := range u.deletes {
		if self.applyDelete(id) {
			changed = true
		}
	}
	return
}

// EncodeStateAsUpdate encodes every item the holder of `stateVector` is missing,
// plus the full delete set. A nil or empty state vector encodes the whole document.
func (self *Doc) EncodeStateAsUpdate(stateVector []byte) ([]byte, error) {
	sv, err := DecodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}
	items := []*item{}
	for _, client := range sortedClients(self.clients) {
		clientItems := self.clients[client]
		from := sv[client]
		if from < uint64(len(clientItems)) {
			items = append(items, clientItems[from:]...)
		}
	}
	deletes := make([]ID, 0, len(self.deleteSet))
	for id := range self.deleteSet {
		deletes = append(deletes, id)
	}
	return encodeUpdate(items, deletes), nil
}

func (self *Doc) StateVector() []byte {
	sv := map[uint64]uint64{}
	for client, clientItems := range self.clients {
		sv[client] = uint64(len(clientItems))
	}
	return EncodeStateVector(sv)
}

// HasPending reports whether items are waiting for missing dependencies.
func (self *Doc) HasPending() bool {
	return 0 < len(self.pending)
}

func (self *Doc) Text(name string) string {
	seq, ok := self.sequences[name]
	if !ok {
		return ""
	}
	var b strings.Builder
	for _, it := range seq.visible() {
		if it.kind == kindRune {
			b.Write(it.content)
		}
	}
	return b.String()
}

func (self *Doc) Embeds(name string) [][]byte {
	seq, ok := self.sequences[name]
	if !ok {
		return [][]byte{}
	}
	embeds := [][]byte{}
	for _, it := range seq.visible() {
		if it.kind == kindEmbed {
			embeds = append(embeds, slices.Clone(it.content))
		}
	}
	return embeds
}

// visible length of a sequence
func (self *Doc) Len(name string) int {
	seq, ok := self.sequences[name]
	if !ok {
		return 0
	}
	return seq.length
}

func (self *Doc) Map(name string) map[string][]byte {
	values := map[string][]byte{}
	for key := range self.maps[name] {
		winner := self.mapWinner(name, key)
		if winner != nil && winner.kind == kindMapValue {
			values[key] = slices.Clone(winner.content)
		}
	}
	return values
}

func compareId(a ID, b ID) int {
	if a.Client != b.Client {
		if a.Client < b.Client {
			return -1
		}
		return 1
	}
	if a.Clock < b.Clock {
		return -1
	} else if b.Clock < a.Clock {
		return 1
	}
	return 0
}

// (lamport, client, clock) order
func compareLamport(a *item, b *item) int {
	if c := cmp.Compare(a.lamport, b.lamport); c != 0 {
		return c
	}
	return compareId(a.id, b.id)
}

func sortedClients[V any](m map[uint64]V) []uint64 {
	clients := make([]uint64, 0, len(m))
	for client := range m {
		clients = append(clients, client)
	}
	slices.Sort(clients)
	return clients
}
