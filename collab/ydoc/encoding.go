package ydoc

import (
	"fmt"
	"slices"

	"google.golang.org/protobuf/encoding/protowire"
)

// update:
//   varint(clients) { varint(client) varint(items) { item }* }*
//   varint(delete clients) { varint(client) varint(ranges) { varint(clock) varint(len) }* }*
// item:
//   varint(clock) varint(lamport) byte(kind) string(parent)
//   map kinds: string(key)
//   sequence kinds: byte(hasOrigin) [varint(origin client) varint(origin clock)]
//   bytes(content)
// state vector:
//   varint(clients) { varint(client) varint(clock) }*

const maxDeleteCount = 1 << 24

type decodedUpdate struct {
	items   []*item
	deletes []ID
}

func encodeUpdate(items []*item, deletes []ID) []byte {
	b := []byte{}

	clientItems := map[uint64][]*item{}
	for _, it := range items {
		clientItems[it.id.Client] = append(clientItems[it.id.Client], it)
	}
	b = protowire.AppendVarint(b, uint64(len(clientItems)))
	for _, client := range sortedClients(clientItems) {
		its := clientItems[client]
		slices.SortFunc(its, func(a *item, b *item) int {
			return compareId(a.id, b.id)
		})
		b = protowire.AppendVarint(b, client)
		b = protowire.AppendVarint(b, uint64(len(its)))
		for _, it := range its {
			b = protowire.AppendVarint(b, it.id.Clock)
			b = protowire.AppendVarint(b, it.lamport)
			b = append(b, byte(it.kind))
			b = protowire.AppendString(b, it.parent)
			if it.kind.isSequence() {
				if it.origin == nil {
					b = append(b, 0)
				} else {
					b = append(b, 1)
					b = protowire.AppendVarint(b, it.origin.Client)
					b = protowire.AppendVarint(b, it.origin.Clock)
				}
			} else {
				b = protowire.AppendString(b, it.key)
			}
			b = protowire.AppendBytes(b, it.content)
		}
	}

	b = appendDeleteSet(b, deletes)
	return b
}

// delete ids compressed into runs of consecutive clocks per client
func appendDeleteSet(b []byte, deletes []ID) []byte {
	sorted := slices.Clone(deletes)
	slices.SortFunc(sorted, compareId)

	type clockRange struct {
		clock  uint64
		length uint64
	}
	clientRanges := map[uint64][]clockRange{}
	for _, id := range sorted {
		ranges := clientRanges[id.Client]
		n := len(ranges)
		if 0 < n && id.Clock < ranges[n-1].clock+ranges[n-1].length {
			// duplicate
			continue
		}
		if 0 < n && ranges[n-1].clock+ranges[n-1].length == id.Clock {
			ranges[n-1].length += 1
		} else {
			ranges = append(ranges, clockRange{clock: id.Clock, length: 1})
		}
		clientRanges[id.Client] = ranges
	}

	b = protowire.AppendVarint(b, uint64(len(clientRanges)))
	for _, client := range sortedClients(clientRanges) {
		ranges := clientRanges[client]
		b = protowire.AppendVarint(b, client)
		b = protowire.AppendVarint(b, uint64(len(ranges)))
		for _, r := range ranges {
			b = protowire.AppendVarint(b, r.clock)
			b = protowire.AppendVarint(b, r.length)
		}
	}
	return b
}

type decoder struct {
	buf []byte
	err error
}

func (self *decoder) fail(format string, a ...any) {
	if self.err == nil {
		self.err = fmt.Errorf("%w: %s", ErrInvalidUpdate, fmt.Sprintf(format, a...))
	}
}

func (self *decoder) varint() uint64 {
	if self.err != nil {
		return 0
	}
	v, n := protowire.ConsumeVarint(self.buf)
	if n < 0 {
		self.fail("%s", protowire.ParseError(n))
		return 0
	}
	self.buf = self.buf[n:]
	return v
}

func (self *decoder) readByte() byte {
	if self.err != nil {
		return 0
	}
	if len(self.buf) == 0 {
		self.fail("unexpected end")
		return 0
	}
	v := self.buf[0]
	self.buf = self.buf[1:]
	return v
}

func (self *decoder) readBytes() []byte {
	if self.err != nil {
		return nil
	}
	v, n := protowire.ConsumeBytes(self.buf)
	if n < 0 {
		self.fail("%s", protowire.ParseError(n))
		return nil
	}
	self.buf = self.buf[n:]
	return slices.Clone(v)
}

func (self *decoder) readString() string {
	return string(self.readBytes())
}

// bounded count, each element needs at least one byte
func (self *decoder) count() int {
	n := self.varint()
	if uint64(len(self.buf)) < n {
		self.fail("count %d exceeds remaining %d bytes", n, len(self.buf))
		return 0
	}
	return int(n)
}

func decodeUpdate(update []byte) (*decodedUpdate, error) {
	d := &decoder{buf: update}
	u := &decodedUpdate{}

	clientCount := d.count()
	for i := 0; i < clientCount && d.err == nil; i += 1 {
		client := d.varint()
		itemCount := d.count()
		for j := 0; j < itemCount && d.err == nil; j += 1 {
			it := &item{}
			it.id = ID{Client: client, Clock: d.varint()}
			it.lamport = d.varint()
			it.kind = itemKind(d.readByte())
			it.parent = d.readString()
			switch it.kind {
			case kindRune, kindEmbed:
				if hasOrigin := d.readByte(); hasOrigin == 1 {
					it.origin = &ID{Client: d.varint(), Clock: d.varint()}
				} else if hasOrigin != 0 {
					d.fail("bad origin flag %d", hasOrigin)
				}
			case kindMapValue, kindMapDelete:
				it.key = d.readString()
			default:
				d.fail("unknown item kind %d", it.kind)
			}
			it.content = d.readBytes()
			u.items = append(u.items, it)
		}
	}

	deleteClientCount := d.count()
	for i := 0; i < deleteClientCount && d.err == nil; i += 1 {
		client := d.varint()
		rangeCount := d.count()
		for j := 0; j < rangeCount && d.err == nil; j += 1 {
			clock := d.varint()
			length := d.varint()
			if maxDeleteCount < uint64(len(u.deletes))+length {
				d.fail("delete range length %d too large", length)
				break
			}
			for k := uint64(0); k < length; k += 1 {
				u.deletes = append(u.deletes, ID{Client: client, Clock: clock + k})
			}
		}
	}

	if d.err == nil && 0 < len(d.buf) {
		d.fail("%d trailing bytes", len(d.buf))
	}
	if d.err != nil {
		return nil, d.err
	}
	return u, nil
}

func EncodeStateVector(sv map[uint64]uint64) []byte {
	b := protowire.AppendVarint(nil, uint64(len(sv)))
	for _, client := range sortedClients(sv) {
		b = protowire.AppendVarint(b, client)
		b = protowire.AppendVarint(b, sv[client])
	}
	return b
}

func DecodeStateVector(stateVector []byte) (map[uint64]uint64, error) {
	sv := map[uint64]uint64{}
	if len(stateVector) == 0 {
		return sv, nil
	}
	d := &decoder{buf: stateVector}
	n := d.count()
	for i := 0; i < n && d.err == nil; i += 1 {
		client := d.varint()
		sv[client] = d.varint()
	}
	if d.err == nil && 0 < len(d.buf) {
		d.fail("%d trailing bytes", len(d.buf))
	}
	if d.err != nil {
		return nil, d.err
	}
	return sv, nil
}

// MergeUpdates concatenates the items and deletes of several updates into one update.
func MergeUpdates(updates ...[]byte) ([]byte, error) {
	items := []*item{}
	deletes := []ID{}
	seen := map[ID]bool{}
	for _, update := range updates {
		u, err := decodeUpdate(update)
		if err != nil {
			return nil, err
		}
		for _, it := range u.items {
			if !seen[it.id] {
				seen[it.id] = true
				items = append(items, it)
			}
		}
		deletes = append(deletes, u.deletes...)
	}
	return encodeUpdate(items, deletes), nil
}
