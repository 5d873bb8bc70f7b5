// Package store is the uniform CRUD surface over a document collection.
//
// A Driver owns one backend connection and the registered collections; each
// collection is reached through an Adapter. Identities come from the
// driver's sequence.Sequencer, never from the backend itself.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/seedworks/seed/internal/apperr"
	"github.com/seedworks/seed/internal/sequence"
)

// IDField is the identity field of every document.
const IDField = "_id"

// Document is one schemaless record.
type Document map[string]any

// IndexSpec declares a unique constraint or a TTL expiry on a field.
type IndexSpec struct {
	Field       string
	Unique      bool
	ExpireAfter time.Duration
}

// SortField orders query results.
type SortField struct {
	Field string
	Desc  bool
}

// withIDTieBreak returns fields ending on _id, ascending unless _id is
// already named. Every backend orders lists this way so paging is stable.
func withIDTieBreak(fields []SortField) []SortField {
	for _, f := range fields {
		if f.Field == IDField {
			return fields
		}
	}
	out := make([]SortField, 0, len(fields)+1)
	out = append(out, fields...)
	return append(out, SortField{Field: IDField})
}

// Descriptor is the static metadata for one resource type.
type Descriptor struct {
	Member      string
	Collection  string
	Indexes     []IndexSpec
	Required    []string
	Other       []string
	Hidden      []string
	SerialField string
	Sort        []SortField
}

// CollectionName defaults to the plural of the member name.
func (d Descriptor) CollectionName() string {
	if d.Collection != "" {
		return d.Collection
	}
	return d.Member + "s"
}

// Allowed returns the fields accepted on update (required plus other).
func (d Descriptor) Allowed() []string {
	out := make([]string, 0, len(d.Required)+len(d.Other))
	out = append(out, d.Required...)
	return append(out, d.Other...)
}

// Projection restricts (true) or excludes (false) fields. When any field is
// included, only included fields and _id are returned.
type Projection map[string]bool

// Query selects documents from a collection. Limit 0 is unbounded.
type Query struct {
	Filter     Document
	Sort       []SortField
	Projection Projection
	Skip       int64
	Limit      int64
}

// Cursor is a lazy, single-pass sequence of documents. Count reports the
// number of matches ignoring skip and limit.
type Cursor interface {
	Next(ctx context.Context) bool
	Document() Document
	Err() error
	Close(ctx context.Context) error
	Count(ctx context.Context) (int64, error)
}

// Adapter is the CRUD contract the resource handlers depend on. Get and
// Update return nil, nil when no document matches.
type Adapter interface {
	Name() string
	Descriptor() Descriptor
	Query(ctx context.Context, q Query) (Cursor, error)
	Get(ctx context.Context, id any, proj Projection) (Document, error)
	Create(ctx context.Context, doc Document) (Document, error)
	Update(ctx context.Context, id any, set Document, unset []string, proj Projection) (Document, error)
	Delete(ctx context.Context, id any) (bool, error)
	Count(ctx context.Context, filter Document) (int64, error)
}

// Driver is one storage backend holding the registered collections.
type Driver interface {
	// Register records descriptors and ensures their sequence records and
	// the daily serial record exist. Re-registering never resets a counter.
	Register(ctx context.Context, descs ...Descriptor) error
	Collection(name string) (Adapter, error)
	Descriptors() []Descriptor
	// InitIndexes creates the declared indexes. Incompatible existing
	// indexes are logged and skipped.
	InitIndexes(ctx context.Context) error
	// Migrate re-ensures sequences and indexes and raises every counter to
	// the collection's highest identity.
	Migrate(ctx context.Context) error
	Drop(ctx context.Context) error
	Sequencer() sequence.Sequencer
	Close(ctx context.Context) error
}

// CoerceID converts an identity to int64. Strings must be base-10 integers
// and floats must be integral.
func CoerceID(v any) (int64, error) {
	switch id := v.(type) {
	case int:
		return int64(id), nil
	case int32:
		return int64(id), nil
	case int64:
		return id, nil
	case float64:
		if id == math.Trunc(id) && !math.IsInf(id, 0) {
			return int64(id), nil
		}
	case json.Number:
		if n, err := id.Int64(); err == nil {
			return n, nil
		}
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64); err == nil {
			return n, nil
		}
	}
	return 0, apperr.InvalidIdentity(v)
}

// Apply returns doc restricted by the projection. A nil projection returns
// doc unchanged.
func (p Projection) Apply(doc Document) Document {
	if doc == nil || len(p) == 0 {
		return doc
	}
	include := false
	for _, v := range p {
		if v {
			include = true
			break
		}
	}
	out := Document{}
	if include {
		if keep, ok := p[IDField]; !ok || keep {
			if v, ok := doc[IDField]; ok {
				out[IDField] = v
			}
		}
		for k, v := range doc {
			if p[k] {
				out[k] = v
			}
		}
		return out
	}
	for k, v := range doc {
		if keep, ok := p[k]; ok && !keep {
			continue
		}
		out[k] = v
	}
	return out
}

// Without returns a projection excluding fields.
func Without(fields ...string) Projection {
	if len(fields) == 0 {
		return nil
	}
	p := Projection{}
	for _, f := range fields {
		p[f] = false
	}
	return p
}

// Only returns a projection including only fields (and _id).
func Only(fields ...string) Projection {
	if len(fields) == 0 {
		return nil
	}
	p := Projection{}
	for _, f := range fields {
		p[f] = true
	}
	return p
}

// cleanSet copies set without the identity field.
func cleanSet(set Document) Document {
	out := make(Document, len(set))
	for k, v := range set {
		if k == IDField {
			continue
		}
		out[k] = v
	}
	return out
}

func cleanUnset(unset []string) []string {
	out := make([]string, 0, len(unset))
	for _, f := range unset {
		if f != IDField && f != "" {
			out = append(out, f)
		}
	}
	return out
}

// prepareCreate copies doc and assigns the identity and serial field.
func prepareCreate(ctx context.Context, seq sequence.Sequencer, desc Descriptor, doc Document) (Document, error) {
	out := cleanSet(doc)
	id, err := seq.NextID(ctx, desc.CollectionName())
	if err != nil {
		return nil, err
	}
	out[IDField] = id
	if desc.SerialField != "" {
		if _, ok := out[desc.SerialField]; !ok {
			serial, err := seq.NextSerial(ctx)
			if err != nil {
				return nil, err
			}
			out[desc.SerialField] = serial
		}
	}
	return out, nil
}

func unknownCollection(name string) error {
	return apperr.New(apperr.KindDatabase, fmt.Sprintf("collection %q is not registered", name))
}

// registry keeps descriptors in registration order.
type registry struct {
	order []string
	descs map[string]Descriptor
}

func newRegistry() registry {
	return registry{descs: map[string]Descriptor{}}
}

// add records descs and returns their collection names.
func (r *registry) add(descs []Descriptor) ([]string, error) {
	names := make([]string, 0, len(descs))
	for _, d := range descs {
		if d.Member == "" && d.Collection == "" {
			return nil, fmt.Errorf("descriptor needs a member or collection name")
		}
		name := d.CollectionName()
		if _, ok := r.descs[name]; !ok {
			r.order = append(r.order, name)
		}
		r.descs[name] = d
		names = append(names, name)
	}
	return names, nil
}

func (r *registry) list() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.descs[n])
	}
	return out
}
