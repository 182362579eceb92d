package memory

import (
	"context"
	"sync"

	"catalog-editor/core"
	"catalog-editor/stores/live"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// documentStore keeps collections as maps of id to fields.
type documentStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]core.Fields
	feed        *live.Feed
}

// NewDocumentStore creates a new in-memory document store.
func NewDocumentStore() *documentStore {
	return &documentStore{
		collections: make(map[string]map[string]core.Fields),
		feed:        live.NewFeed(),
	}
}

func (s *documentStore) Get(ctx context.Context, collection, id string) (*core.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := logrus.WithFields(logrus.Fields{"collection": collection, "document_id": id})
	fields, ok := s.collections[collection][id]
	if !ok {
		log.Debug("Document not found")
		return nil, core.NewNotFoundError(collection, id)
	}
	return &core.Document{ID: id, Fields: fields.Clone()}, nil
}

func (s *documentStore) Find(ctx context.Context, q core.Query) ([]core.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	docs := make([]core.Document, 0, len(s.collections[q.Collection]))
	for id, fields := range s.collections[q.Collection] {
		if fields.String(core.FieldOwner) != q.OwnerID {
			continue
		}
		docs = append(docs, core.Document{ID: id, Fields: fields.Clone()})
	}
	s.mu.RUnlock()

	return q.Apply(docs), nil
}

func (s *documentStore) Listen(ctx context.Context, q core.Query, fn func(core.Snapshot)) (core.Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.feed.Listen(q, s.Find, fn), nil
}

func (s *documentStore) Add(ctx context.Context, collection string, fields core.Fields) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id := ulid.Make().String()
	stored := fields.Clone()

	s.mu.Lock()
	docs, ok := s.collections[collection]
	if !ok {
		docs = make(map[string]core.Fields)
		s.collections[collection] = docs
	}
	docs[id] = stored
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"collection":  collection,
		"document_id": id,
	}).Info("Document created successfully")
	s.feed.Notify(stored.String(core.FieldOwner), collection)
	return id, nil
}

func (s *documentStore) Update(ctx context.Context, collection, id string, fields core.Fields) error {
	b := s.Batch()
	b.Update(collection, id, fields)
	return b.Commit(ctx)
}

func (s *documentStore) Delete(ctx context.Context, collection, id string) error {
	b := s.Batch()
	b.Delete(collection, id)
	return b.Commit(ctx)
}

func (s *documentStore) Batch() core.WriteBatch {
	return &writeBatch{store: s}
}

// Listeners reports how many partitions currently have live listeners.
func (s *documentStore) Listeners() int {
	return s.feed.Listeners()
}

type op struct {
	collection string
	id         string
	fields     core.Fields // nil for deletes
}

type writeBatch struct {
	store *documentStore
	ops   []op
}

func (b *writeBatch) Update(collection, id string, fields core.Fields) {
	b.ops = append(b.ops, op{collection: collection, id: id, fields: fields.Clone()})
}

func (b *writeBatch) Delete(collection, id string) {
	b.ops = append(b.ops, op{collection: collection, id: id})
}

type docKey struct {
	collection string
	id         string
}

// Commit stages every operation against an overlay and only applies the
// overlay when all of them succeed.
func (b *writeBatch) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s := b.store
	log := logrus.WithField("operations", len(b.ops))
	touched := live.Touched{}

	s.mu.Lock()
	overlay := make(map[docKey]core.Fields)
	lookup := func(k docKey) (core.Fields, bool) {
		if f, ok := overlay[k]; ok {
			return f, f != nil
		}
		f, ok := s.collections[k.collection][k.id]
		return f, ok
	}

	for _, o := range b.ops {
		k := docKey{collection: o.collection, id: o.id}
		current, exists := lookup(k)
		if exists {
			touched.Add(current.String(core.FieldOwner), o.collection)
		}
		if o.fields == nil {
			overlay[k] = nil
			continue
		}
		if !exists {
			s.mu.Unlock()
			log.WithFields(logrus.Fields{"collection": o.collection, "document_id": o.id}).Warn("Batch rejected, document not found")
			return core.NewNotFoundError(o.collection, o.id)
		}
		merged := current.Merge(o.fields)
		overlay[k] = merged
		touched.Add(merged.String(core.FieldOwner), o.collection)
	}

	for k, fields := range overlay {
		if fields == nil {
			delete(s.collections[k.collection], k.id)
			continue
		}
		docs, ok := s.collections[k.collection]
		if !ok {
			docs = make(map[string]core.Fields)
			s.collections[k.collection] = docs
		}
		docs[k.id] = fields
	}
	s.mu.Unlock()

	log.Debug("Batch committed")
	s.feed.NotifyAll(touched)
	return nil
}
