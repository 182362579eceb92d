package catalog

import (
	"context"
	"sync"

	"catalog-editor/core"
	"catalog-editor/pubsub"

	"github.com/sirupsen/logrus"
)

// snapshot is one published sequence together with the key the view followed
// when the sequence was produced.
type snapshot[T any] struct {
	key string
	seq []T
}

// view holds the last authoritative sequence pushed by the store and an
// optional provisional sequence set by a local mutation. Every authoritative
// push replaces both.
type view[T any] struct {
	mu             sync.Mutex
	key            string
	authoritative  []T
	provisional    []T
	hasProvisional bool
	ready          chan struct{}
	readyOnce      sync.Once

	out *pubsub.Channel[snapshot[T]]
	log *logrus.Entry
}

func newView[T any](log *logrus.Entry) *view[T] {
	return &view[T]{
		ready: make(chan struct{}),
		out:   pubsub.NewChannel[snapshot[T]](true),
		log:   log,
	}
}

func (v *view[T]) currentLocked() []T {
	src := v.authoritative
	if v.hasProvisional {
		src = v.provisional
	}
	return append([]T(nil), src...)
}

// Current returns the provisional sequence if there is one, otherwise the
// authoritative one.
func (v *view[T]) Current() []T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.currentLocked()
}

func (v *view[T]) publishLocked() {
	v.out.Publish(snapshot[T]{key: v.key, seq: v.currentLocked()})
}

func (v *view[T]) subscribe(fn func(key string, seq []T)) func() {
	return v.out.Subscribe(func(s snapshot[T]) { fn(s.key, s.seq) })
}

func (v *view[T]) replace(seq []T) {
	v.mu.Lock()
	v.authoritative = append([]T(nil), seq...)
	v.provisional = nil
	v.hasProvisional = false
	v.publishLocked()
	v.mu.Unlock()
	v.readyOnce.Do(func() { close(v.ready) })
}

func (v *view[T]) apply(seq []T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.provisional = append([]T(nil), seq...)
	v.hasProvisional = true
	v.publishLocked()
}

func (v *view[T]) revert() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.hasProvisional {
		return
	}
	v.provisional = nil
	v.hasProvisional = false
	v.publishLocked()
}

// reset drops both sequences and labels later snapshots with key, without
// notifying subscribers.
func (v *view[T]) reset(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.key = key
	v.authoritative = nil
	v.provisional = nil
	v.hasProvisional = false
}

// patch derives a provisional sequence from the current one. fn reports false
// when the current sequence already reflects the change.
func (v *view[T]) patch(fn func(cur []T) ([]T, bool)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	next, ok := fn(v.currentLocked())
	if !ok {
		return
	}
	v.provisional = next
	v.hasProvisional = true
	v.publishLocked()
}

// Ready is closed once the first authoritative sequence has arrived.
func (v *view[T]) Ready() <-chan struct{} {
	return v.ready
}

func (v *view[T]) wait(ctx context.Context) error {
	select {
	case <-v.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CategoryView is the live category list of one owner, ordered by position.
type CategoryView struct {
	*view[core.Category]

	owner       string
	stopStore   core.Unsubscribe
	stopDeliver func()
	once        sync.Once
}

// SubscribeCategories starts a live category list. fn, if set, receives every
// new sequence asynchronously.
func (e *Engine) SubscribeCategories(ctx context.Context, ownerID string, fn func([]core.Category)) (*CategoryView, error) {
	log := logrus.WithField("owner", ownerID)
	cv := &CategoryView{
		view:  newView[core.Category](log.WithField("view", "categories")),
		owner: ownerID,
	}
	if fn != nil {
		cv.stopDeliver = cv.subscribe(func(_ string, cats []core.Category) { fn(cats) })
	}

	q := core.Query{Collection: core.CategoriesCollection, OwnerID: ownerID, OrderBy: core.FieldPosition}
	stop, err := e.docs.Listen(ctx, q, func(s core.Snapshot) {
		if s.Err != nil {
			cv.log.WithError(s.Err).Warn("Keeping last known categories")
			return
		}
		cats := make([]core.Category, 0, len(s.Docs))
		for _, doc := range s.Docs {
			cats = append(cats, core.CategoryFromDocument(doc))
		}
		cv.replace(cats)
	})
	if err != nil {
		if cv.stopDeliver != nil {
			cv.stopDeliver()
		}
		return nil, core.Remote("subscribe categories", err)
	}
	cv.stopStore = stop
	return cv, nil
}

// Unsubscribe stops the view. It is safe to call more than once.
func (cv *CategoryView) Unsubscribe() {
	cv.once.Do(func() {
		cv.stopStore()
		if cv.stopDeliver != nil {
			cv.stopDeliver()
		}
		cv.out.Close()
	})
}

// ItemView is the live item list of one category, ordered by name.
type ItemView struct {
	*view[core.Item]

	engine      *Engine
	owner       string
	stopDeliver func()

	subMu     sync.Mutex
	category  string
	stopStore core.Unsubscribe
	closed    bool
}

// SubscribeItems starts a live item list for categoryID. An empty categoryID
// yields an empty list right away and no store subscription. fn receives each
// list with the category it belongs to.
func (e *Engine) SubscribeItems(ctx context.Context, ownerID, categoryID string, fn func(categoryID string, items []core.Item)) (*ItemView, error) {
	iv := &ItemView{
		view:   newView[core.Item](logrus.WithFields(logrus.Fields{"owner": ownerID, "view": "items"})),
		engine: e,
		owner:  ownerID,
	}
	if fn != nil {
		iv.stopDeliver = iv.subscribe(fn)
	}
	if err := iv.SetCategory(ctx, categoryID); err != nil {
		iv.Unsubscribe()
		return nil, err
	}
	return iv, nil
}

// CategoryID returns the category the view follows.
func (iv *ItemView) CategoryID() string {
	iv.subMu.Lock()
	defer iv.subMu.Unlock()
	return iv.category
}

// SetCategory tears down the current subscription and follows categoryID.
func (iv *ItemView) SetCategory(ctx context.Context, categoryID string) error {
	iv.subMu.Lock()
	defer iv.subMu.Unlock()

	if iv.closed {
		return nil
	}
	if iv.stopStore != nil {
		iv.stopStore()
		iv.stopStore = nil
	}
	iv.category = categoryID
	iv.reset(categoryID)

	if categoryID == "" {
		iv.replace(nil)
		return nil
	}

	q := core.Query{Collection: core.ItemsCollection, OwnerID: iv.owner, OrderBy: core.FieldName}.
		Where(core.FieldCategoryID, categoryID)
	stop, err := iv.engine.docs.Listen(ctx, q, func(s core.Snapshot) {
		if s.Err != nil {
			iv.log.WithError(s.Err).Warn("Keeping last known items")
			return
		}
		items := make([]core.Item, 0, len(s.Docs))
		for _, doc := range s.Docs {
			items = append(items, core.ItemFromDocument(doc))
		}
		iv.subMu.Lock()
		defer iv.subMu.Unlock()
		if iv.category == categoryID && !iv.closed {
			iv.replace(items)
		}
	})
	if err != nil {
		return core.Remote("subscribe items", err)
	}
	iv.stopStore = stop
	iv.log.WithField("category_id", categoryID).Debug("Following category")
	return nil
}

// Unsubscribe stops the view. It is safe to call more than once.
func (iv *ItemView) Unsubscribe() {
	iv.subMu.Lock()
	if iv.closed {
		iv.subMu.Unlock()
		return
	}
	iv.closed = true
	stop := iv.stopStore
	iv.stopStore = nil
	iv.subMu.Unlock()

	if stop != nil {
		stop()
	}
	if iv.stopDeliver != nil {
		iv.stopDeliver()
	}
	iv.out.Close()
}
