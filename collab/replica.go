package collab

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/bringyour/docsync/collab/ydoc"
)

// the document's native structured form.
// Text documents materialize to a string, notebooks to a json object.
type StructuredValue = any

const (
	textSource       = "source"
	notebookCells    = "cells"
	notebookMetadata = "metadata"
	// nbformat, nbformat_minor
	notebookVersion = "version"
)

var ErrUnsupportedValue = errors.New("Unsupported structured value")

// Replica adapts a crdt doc to a logical document type.
// Every apply that changes the materialized document sets `dirty` and
// posts to the change channel. The change channel has exactly one consumer.
type Replica struct {
	docType string

	stateLock sync.Mutex
	doc       *ydoc.Doc
	// incremented on every change
	generation uint64
	dirty      bool

	changes chan struct{}
}

func NewReplica(docType string) *Replica {
	return &Replica{
		docType: docType,
		doc:     ydoc.NewDoc(),
		changes: make(chan struct{}, 1),
	}
}

func (self *Replica) DocType() string {
	return self.docType
}

// coalesced change notifications
func (self *Replica) Changes() <-chan struct{} {
	return self.changes
}

func (self *Replica) notify() {
	select {
	case self.changes <- struct{}{}:
	default:
	}
}

// must be called with the state lock
func (self *Replica) changed() {
	self.generation += 1
	self.dirty = true
	self.notify()
}

// Apply merges a remote delta. A no-op delta (e.g. an already seen update)
// does not mark the replica dirty and does not notify.
func (self *Replica) Apply(update []byte) (bool, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	changed, err := self.doc.ApplyUpdate(update)
	if err != nil {
		return false, err
	}
	if changed {
		self.changed()
	}
	return changed, nil
}

// Edit runs a local transaction and returns its delta for peers, nil if nothing changed.
func (self *Replica) Edit(fn func(tx *ydoc.Transaction, doc *ydoc.Doc) error) ([]byte, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	update, err := self.doc.Transact(func(tx *ydoc.Transaction) error {
		return fn(tx, self.doc)
	})
	// edits before an error are applied and returned
	if update != nil {
		self.changed()
	}
	return update, err
}

// InsertText inserts into a text document at a rune index. A negative index appends.
func (self *Replica) InsertText(index int, text string) ([]byte, error) {
	if self.docType == TypeNotebook {
		return nil, fmt.Errorf("%w: text insert into %s", ErrUnsupportedValue, self.docType)
	}
	return self.Edit(func(tx *ydoc.Transaction, doc *ydoc.Doc) error {
		if index < 0 || doc.Len(textSource) < index {
			index = doc.Len(textSource)
		}
		return tx.InsertText(textSource, index, text)
	})
}

func (self *Replica) DeleteText(index int, length int) ([]byte, error) {
	if self.docType == TypeNotebook {
		return nil, fmt.Errorf("%w: text delete from %s", ErrUnsupportedValue, self.docType)
	}
	return self.Edit(func(tx *ydoc.Transaction, doc *ydoc.Doc) error {
		return tx.Delete(textSource, index, length)
	})
}

func (self *Replica) EncodeUpdateSince(stateVector []byte) ([]byte, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.doc.EncodeStateAsUpdate(stateVector)
}

func (self *Replica) StateVector() []byte {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.doc.StateVector()
}

func (self *Replica) Dirty() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.dirty
}

// Materialize returns the document with the generation it reflects.
// Pass the generation to `MarkSaved` once the value is stored.
func (self *Replica) Materialize() (StructuredValue, uint64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.materialize(), self.generation
}

func (self *Replica) materialize() StructuredValue {
	switch self.docType {
	case TypeNotebook:
		cells := []any{}
		for _, embed := range self.doc.Embeds(notebookCells) {
			var cell any
			if err := json.Unmarshal(embed, &cell); err == nil {
				cells = append(cells, cell)
			}
		}
		notebook := map[string]any{
			"cells":    cells,
			"metadata": decodeJsonMap(self.doc.Map(notebookMetadata)),
		}
		for key, value := range decodeJsonMap(self.doc.Map(notebookVersion)) {
			notebook[key] = value
		}
		return notebook
	default:
		return self.doc.Text(textSource)
	}
}

// MarkSaved clears the dirty flag if no change happened after `generation`.
func (self *Replica) MarkSaved(generation uint64) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.generation == generation {
		self.dirty = false
	}
	return !self.dirty
}

// Load replaces the content of the document with `value` and returns the delta
// for peers, nil if nothing changed. The loaded content is the stored content,
// so the replica is clean afterwards and no change is posted.
func (self *Replica) Load(value StructuredValue) ([]byte, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	var update []byte
	var err error
	switch self.docType {
	case TypeNotebook:
		update, err = self.loadNotebook(value)
	default:
		update, err = self.loadText(value)
	}
	if err != nil {
		return nil, err
	}
	if update != nil {
		self.generation += 1
	}
	self.dirty = false
	return update, nil
}

func (self *Replica) loadText(value StructuredValue) ([]byte, error) {
	var text string
	switch v := value.(type) {
	case nil:
	case string:
		text = v
	case []byte:
		text = string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, value)
		}
		text = string(b)
	}

	current := self.doc.Text(textSource)
	if current == text {
		return nil, nil
	}

	// edit with a character diff so positions of concurrent edits outside the
	// changed regions are preserved
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(current, text, false)
	return self.doc.Transact(func(tx *ydoc.Transaction) error {
		index := 0
		for _, diff := range diffs {
			n := utf8.RuneCountInString(diff.Text)
			switch diff.Type {
			case diffmatchpatch.DiffEqual:
				index += n
			case diffmatchpatch.DiffDelete:
				if err := tx.Delete(textSource, index, n); err != nil {
					return err
				}
			case diffmatchpatch.DiffInsert:
				if err := tx.InsertText(textSource, index, diff.Text); err != nil {
					return err
				}
				index += n
			}
		}
		return nil
	})
}

func (self *Replica) loadNotebook(value StructuredValue) ([]byte, error) {
	var notebook map[string]any
	switch v := value.(type) {
	case nil:
		notebook = map[string]any{}
	case map[string]any:
		notebook = v
	case string, []byte:
		var b []byte
		if s, ok := v.(string); ok {
			b = []byte(s)
		} else {
			b = v.([]byte)
		}
		if len(b) == 0 {
			notebook = map[string]any{}
		} else if err := json.Unmarshal(b, &notebook); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedValue, err)
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, value)
	}

	cells := [][]byte{}
	if rawCells, ok := notebook["cells"].([]any); ok {
		for _, cell := range rawCells {
			b, err := json.Marshal(cell)
			if err != nil {
				return nil, err
			}
			cells = append(cells, b)
		}
	}
	metadata := map[string][]byte{}
	if rawMetadata, ok := notebook["metadata"].(map[string]any); ok {
		for key, v := range rawMetadata {
			b, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			metadata[key] = b
		}
	}
	version := map[string][]byte{}
	for _, key := range []string{"nbformat", "nbformat_minor"} {
		if v, ok := notebook[key]; ok {
			b, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			version[key] = b
		}
	}

	return self.doc.Transact(func(tx *ydoc.Transaction) error {
		current := self.doc.Embeds(notebookCells)
		// keep the common prefix and suffix of unchanged cells
		prefix := 0
		for prefix < len(current) && prefix < len(cells) && slices.Equal(current[prefix], cells[prefix]) {
			prefix += 1
		}
		suffix := 0
		for suffix < len(current)-prefix && suffix < len(cells)-prefix &&
			slices.Equal(current[len(current)-1-suffix], cells[len(cells)-1-suffix]) {
			suffix += 1
		}
		if err := tx.Delete(notebookCells, prefix, len(current)-prefix-suffix); err != nil {
			return err
		}
		if inserts := cells[prefix : len(cells)-suffix]; 0 < len(inserts) {
			if err := tx.InsertEmbed(notebookCells, prefix, inserts...); err != nil {
				return err
			}
		}
		syncMap(tx, self.doc.Map(notebookMetadata), notebookMetadata, metadata)
		syncMap(tx, self.doc.Map(notebookVersion), notebookVersion, version)
		return nil
	})
}

func syncMap(tx *ydoc.Transaction, current map[string][]byte, name string, next map[string][]byte) {
	for key := range current {
		if _, ok := next[key]; !ok {
			tx.DeleteMap(name, key)
		}
	}
	for key, value := range next {
		if existing, ok := current[key]; !ok || !slices.Equal(existing, value) {
			tx.SetMap(name, key, value)
		}
	}
}

func decodeJsonMap(values map[string][]byte) map[string]any {
	out := map[string]any{}
	for key, b := range values {
		var v any
		if err := json.Unmarshal(b, &v); err == nil {
			out[key] = v
		}
	}
	return out
}
