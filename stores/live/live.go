// Package live turns any store that can evaluate a core.Query into one that
// supports live listeners: after each committed write the store notifies the
// touched (owner, collection) partitions and every listener on them re-runs
// its query.
package live

import (
	"context"

	"catalog-editor/core"
	"catalog-editor/pubsub"

	"github.com/sirupsen/logrus"
)

type partition struct {
	owner      string
	collection string
}

// FetchFunc evaluates a query against the store's current state.
type FetchFunc func(ctx context.Context, q core.Query) ([]core.Document, error)

type Feed struct {
	hub *pubsub.Hub[partition, struct{}]
}

func NewFeed() *Feed {
	return &Feed{hub: pubsub.NewHub[partition, struct{}]()}
}

// Listen registers fn for q. The first snapshot is delivered asynchronously
// right away. The listener lives until the returned function is called.
func (f *Feed) Listen(q core.Query, fetch FetchFunc, fn func(core.Snapshot)) core.Unsubscribe {
	ctx, cancel := context.WithCancel(context.Background())
	log := logrus.WithField("query", q.String())

	trigger := pubsub.NewChannel[struct{}](false)
	stopDeliver := trigger.Subscribe(func(struct{}) {
		docs, err := fetch(ctx, q)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.WithError(err).Warn("Live query failed")
		}
		fn(core.Snapshot{Query: q, Docs: docs, Err: err})
	})
	stopHub := f.hub.Subscribe(partition{owner: q.OwnerID, collection: q.Collection}, func(struct{}) {
		trigger.Publish(struct{}{})
	})
	trigger.Publish(struct{}{})

	log.Debug("Listener registered")
	return func() {
		stopHub()
		cancel()
		stopDeliver()
	}
}

// Notify wakes every listener of the partition.
func (f *Feed) Notify(owner, collection string) {
	f.hub.Publish(partition{owner: owner, collection: collection}, struct{}{})
}

// Listeners returns the number of partitions with at least one listener.
func (f *Feed) Listeners() int {
	return f.hub.Len()
}

// Touched collects the partitions a write touches so they can be notified
// once the write has committed.
type Touched map[partition]struct{}

func (t Touched) Add(owner, collection string) {
	t[partition{owner: owner, collection: collection}] = struct{}{}
}

func (f *Feed) NotifyAll(t Touched) {
	for p := range t {
		f.hub.Publish(p, struct{}{})
	}
}
