package store

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/spf13/cast"

	"github.com/seedworks/seed/internal/apperr"
	"github.com/seedworks/seed/internal/sequence"
	"github.com/seedworks/seed/pkg/logger"
)

// MemoryDriver keeps collections in process memory. Used by tests and the
// "memory" driver setting.
type MemoryDriver struct {
	mu   sync.RWMutex
	reg  registry
	cols map[string]*MemoryCollection
	seq  sequence.Sequencer
}

// NewMemoryDriver returns an empty driver. A nil sequencer uses
// sequence.NewMemory.
func NewMemoryDriver(seq sequence.Sequencer) *MemoryDriver {
	if seq == nil {
		seq = sequence.NewMemory(nil)
	}
	return &MemoryDriver{reg: newRegistry(), cols: map[string]*MemoryCollection{}, seq: seq}
}

func (d *MemoryDriver) Register(ctx context.Context, descs ...Descriptor) error {
	d.mu.Lock()
	names, err := d.reg.add(descs)
	if err == nil {
		for _, n := range names {
			if c, ok := d.cols[n]; ok {
				c.desc = d.reg.descs[n]
				continue
			}
			d.cols[n] = &MemoryCollection{desc: d.reg.descs[n], docs: map[int64]Document{}, seq: d.seq}
		}
	}
	d.mu.Unlock()
	if err != nil {
		return err
	}
	return d.seq.Ensure(ctx, names...)
}

func (d *MemoryDriver) Collection(name string) (Adapter, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.cols[name]
	if !ok {
		return nil, unknownCollection(name)
	}
	return c, nil
}

func (d *MemoryDriver) Descriptors() []Descriptor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.reg.list()
}

// InitIndexes enables unique checks. TTL indexes are not supported here.
func (d *MemoryDriver) InitIndexes(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, name := range d.reg.order {
		c := d.cols[name]
		c.mu.Lock()
		c.unique = nil
		for _, idx := range c.desc.Indexes {
			switch {
			case idx.ExpireAfter > 0:
				logger.Warnf("store: %s: ttl index on %s is not supported by the memory driver", name, idx.Field)
			case idx.Unique:
				if c.clashes(idx.Field) {
					logger.Warnf("store: %s: existing documents violate unique index on %s, skipping", name, idx.Field)
					continue
				}
				c.unique = append(c.unique, idx.Field)
			}
		}
		c.mu.Unlock()
	}
	return nil
}

func (d *MemoryDriver) Migrate(ctx context.Context) error {
	descs := d.Descriptors()
	if err := d.Register(ctx, descs...); err != nil {
		return err
	}
	if err := d.InitIndexes(ctx); err != nil {
		return err
	}
	for _, desc := range descs {
		name := desc.CollectionName()
		d.mu.RLock()
		c := d.cols[name]
		d.mu.RUnlock()
		if err := d.seq.Raise(ctx, name, c.maxID()); err != nil {
			return err
		}
	}
	return nil
}

func (d *MemoryDriver) Drop(ctx context.Context) error {
	d.mu.Lock()
	for _, c := range d.cols {
		c.mu.Lock()
		c.docs = map[int64]Document{}
		c.mu.Unlock()
	}
	d.mu.Unlock()
	return d.seq.Reset(ctx)
}

func (d *MemoryDriver) Sequencer() sequence.Sequencer { return d.seq }

func (d *MemoryDriver) Close(context.Context) error { return nil }

// MemoryCollection is a mutex guarded map of documents keyed by identity.
type MemoryCollection struct {
	mu     sync.RWMutex
	desc   Descriptor
	docs   map[int64]Document
	unique []string
	seq    sequence.Sequencer
}

func (c *MemoryCollection) Name() string           { return c.desc.CollectionName() }
func (c *MemoryCollection) Descriptor() Descriptor { return c.desc }

func (c *MemoryCollection) Query(ctx context.Context, q Query) (Cursor, error) {
	c.mu.RLock()
	matched := make([]Document, 0, len(c.docs))
	for _, doc := range c.docs {
		if matches(doc, q.Filter) {
			matched = append(matched, doc)
		}
	}
	c.mu.RUnlock()

	sortDocs(matched, q.Sort)
	total := int64(len(matched))
	page := matched
	if q.Skip > 0 {
		if q.Skip >= int64(len(page)) {
			page = nil
		} else {
			page = page[q.Skip:]
		}
	}
	if q.Limit > 0 && q.Limit < int64(len(page)) {
		page = page[:q.Limit]
	}
	out := make([]Document, len(page))
	for i, doc := range page {
		out[i] = q.Projection.Apply(cloneDoc(doc))
	}
	return &sliceCursor{docs: out, pos: -1, total: total}, nil
}

func (c *MemoryCollection) Get(ctx context.Context, id any, proj Projection) (Document, error) {
	n, err := CoerceID(id)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	doc, ok := c.docs[n]
	if !ok {
		return nil, nil
	}
	return proj.Apply(cloneDoc(doc)), nil
}

func (c *MemoryCollection) Create(ctx context.Context, doc Document) (Document, error) {
	out, err := prepareCreate(ctx, c.seq, c.desc, doc)
	if err != nil {
		return nil, err
	}
	id := out[IDField].(int64)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.docs[id]; exists {
		return nil, apperr.StorageWrite(fmt.Errorf("duplicate key %s: %d", IDField, id))
	}
	for _, f := range c.unique {
		if v, ok := out[f]; ok && v != nil && c.duplicate(f, v, 0) {
			return nil, apperr.StorageWrite(fmt.Errorf("duplicate key %s: %v", f, out[f]))
		}
	}
	c.docs[id] = cloneDoc(out)
	return out, nil
}

// Update merges set and unset under the collection lock.
func (c *MemoryCollection) Update(ctx context.Context, id any, set Document, unset []string, proj Projection) (Document, error) {
	n, err := CoerceID(id)
	if err != nil {
		return nil, err
	}
	set = cleanSet(set)
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.docs[n]
	if !ok {
		return nil, nil
	}
	next := cloneDoc(cur)
	for k, v := range set {
		next[k] = cloneValue(v)
	}
	for _, f := range cleanUnset(unset) {
		delete(next, f)
	}
	for _, f := range c.unique {
		if v, touched := set[f]; touched && v != nil && c.duplicate(f, v, n) {
			return nil, apperr.StorageWrite(fmt.Errorf("duplicate key %s: %v", f, next[f]))
		}
	}
	c.docs[n] = next
	return proj.Apply(cloneDoc(next)), nil
}

func (c *MemoryCollection) Delete(ctx context.Context, id any) (bool, error) {
	n, err := CoerceID(id)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.docs[n]; !ok {
		return false, nil
	}
	delete(c.docs, n)
	return true, nil
}

func (c *MemoryCollection) Count(ctx context.Context, filter Document) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var n int64
	for _, doc := range c.docs {
		if matches(doc, filter) {
			n++
		}
	}
	return n, nil
}

// clashes reports whether two stored documents share a value in field.
// Caller holds the lock.
func (c *MemoryCollection) clashes(field string) bool {
	seen := []any{}
	for _, doc := range c.docs {
		v, ok := doc[field]
		if !ok || v == nil {
			continue
		}
		for _, s := range seen {
			if equalValues(s, v) {
				return true
			}
		}
		seen = append(seen, v)
	}
	return false
}

// duplicate reports whether a document other than skip holds value in
// field. Caller holds the lock.
func (c *MemoryCollection) duplicate(field string, value any, skip int64) bool {
	for id, doc := range c.docs {
		if id == skip {
			continue
		}
		if v, ok := doc[field]; ok && equalValues(v, value) {
			return true
		}
	}
	return false
}

func (c *MemoryCollection) maxID() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var max int64
	for id := range c.docs {
		if id > max {
			max = id
		}
	}
	return max
}

type sliceCursor struct {
	docs  []Document
	pos   int
	total int64
}

func (s *sliceCursor) Next(context.Context) bool {
	if s.pos+1 >= len(s.docs) {
		s.pos = len(s.docs)
		return false
	}
	s.pos++
	return true
}

func (s *sliceCursor) Document() Document {
	if s.pos < 0 || s.pos >= len(s.docs) {
		return nil
	}
	return s.docs[s.pos]
}

func (s *sliceCursor) Err() error                           { return nil }
func (s *sliceCursor) Close(context.Context) error          { return nil }
func (s *sliceCursor) Count(context.Context) (int64, error) { return s.total, nil }

func matches(doc, filter Document) bool {
	for k, want := range filter {
		got, ok := doc[k]
		if !ok || !equalValues(got, want) {
			return false
		}
	}
	return true
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	}
	return false
}

// equalValues compares numbers by value regardless of their Go type.
func equalValues(a, b any) bool {
	if isNumber(a) && isNumber(b) {
		return cast.ToFloat64(a) == cast.ToFloat64(b)
	}
	return reflect.DeepEqual(a, b)
}

// lessValues orders numbers numerically, everything else by its text form.
// Missing values sort first.
func lessValues(a, b any) bool {
	switch {
	case a == nil:
		return b != nil
	case b == nil:
		return false
	case isNumber(a) && isNumber(b):
		return cast.ToFloat64(a) < cast.ToFloat64(b)
	}
	return cast.ToString(a) < cast.ToString(b)
}

func sortDocs(docs []Document, fields []SortField) {
	fields = withIDTieBreak(fields)
	sort.SliceStable(docs, func(i, j int) bool {
		for _, f := range fields {
			a, b := docs[i][f.Field], docs[j][f.Field]
			if equalValues(a, b) {
				continue
			}
			if f.Desc {
				return lessValues(b, a)
			}
			return lessValues(a, b)
		}
		return false
	})
}

func cloneDoc(doc Document) Document {
	if doc == nil {
		return nil
	}
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(cloneDoc(Document(t)))
	case Document:
		return cloneDoc(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	}
	return v
}
