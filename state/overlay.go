package state

import (
	"errors"
	"sync"

	"lienledger/storage"
)

var errOverlayClosed = errors.New("state: overlay already closed")

// bufferDB layers a write buffer over a backing database. Reads consult the
// buffer first, writes and deletes stay local until flushed.
type bufferDB struct {
	mu      sync.RWMutex
	backing storage.Database
	writes  map[string][]byte
	deletes map[string]struct{}
}

func newBufferDB(backing storage.Database) *bufferDB {
	return &bufferDB{
		backing: backing,
		writes:  make(map[string][]byte),
		deletes: make(map[string]struct{}),
	}
}

func (b *bufferDB) Get(key []byte) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, ok := b.deletes[string(key)]; ok {
		return nil, storage.ErrKeyNotFound
	}
	if value, ok := b.writes[string(key)]; ok {
		return append([]byte(nil), value...), nil
	}
	return b.backing.Get(key)
}

func (b *bufferDB) Has(key []byte) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, ok := b.deletes[string(key)]; ok {
		return false, nil
	}
	if _, ok := b.writes[string(key)]; ok {
		return true, nil
	}
	return b.backing.Has(key)
}

func (b *bufferDB) Put(key, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.deletes, string(key))
	b.writes[string(key)] = append([]byte(nil), value...)
	return nil
}

func (b *bufferDB) Delete(key []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.writes, string(key))
	b.deletes[string(key)] = struct{}{}
	return nil
}

func (b *bufferDB) Close() error { return nil }

// flush applies the buffered mutations to the backing database.
func (b *bufferDB) flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key := range b.deletes {
		if err := b.backing.Delete([]byte(key)); err != nil {
			return err
		}
	}
	for key, value := range b.writes {
		if err := b.backing.Put([]byte(key), value); err != nil {
			return err
		}
	}
	b.writes = make(map[string][]byte)
	b.deletes = make(map[string]struct{})
	return nil
}

func (b *bufferDB) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writes = make(map[string][]byte)
	b.deletes = make(map[string]struct{})
}

// Overlay is a copy-on-write view of a Manager. All reads see the backing
// store plus any buffered mutations; Commit flushes the buffer in one pass and
// Discard drops it.
type Overlay struct {
	*Manager
	buf    *bufferDB
	closed bool
}

// Commit applies every buffered mutation to the backing database.
func (o *Overlay) Commit() error {
	if o.closed {
		return errOverlayClosed
	}
	o.closed = true
	return o.buf.flush()
}

// Discard drops all buffered mutations.
func (o *Overlay) Discard() {
	if o.closed {
		return
	}
	o.closed = true
	o.buf.reset()
}
