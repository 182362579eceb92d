package offline

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"catalog-editor/core"

	"github.com/sirupsen/logrus"
)

var (
	ErrSuperseded = errors.New("registration superseded by a newer generation")
	ErrClosed     = errors.New("container closed")
)

type registration struct {
	gen   Generation
	reply chan error
}

type installResult struct {
	worker *Worker
	reply  chan error
	err    error
}

type activateResult struct {
	worker *Worker
	reply  chan error
}

// Container owns the registered workers. A single goroutine holds the active
// worker; requests and lifecycle changes reach it as messages, so a worker
// never shares state with the code that intercepts requests.
type Container struct {
	storage core.CacheStorage
	network http.RoundTripper

	lookups       chan chan *Worker
	registrations chan registration
	installs      chan installResult
	activations   chan activateResult
	restores      chan *Worker
	quit          chan struct{}
	done          chan struct{}
	closeOnce     sync.Once
}

// NewContainer starts the container loop. Until a generation is registered
// every request goes straight to network.
func NewContainer(storage core.CacheStorage, network http.RoundTripper) *Container {
	if network == nil {
		network = http.DefaultTransport
	}
	c := &Container{
		storage:       storage,
		network:       network,
		lookups:       make(chan chan *Worker),
		registrations: make(chan registration),
		installs:      make(chan installResult),
		activations:   make(chan activateResult),
		restores:      make(chan *Worker),
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go c.loop()
	return c
}

func (c *Container) loop() {
	defer close(c.done)

	var active, latest *Worker
	for {
		select {
		case reply := <-c.lookups:
			reply <- active

		case reg := <-c.registrations:
			if active != nil && active.gen.Name == reg.gen.Name {
				reg.reply <- nil
				continue
			}
			w := NewWorker(reg.gen, c.storage, c.network)
			latest = w
			if active == nil {
				go c.restore(reg.gen)
			}
			go func() {
				err := w.Install(context.Background())
				deliver(c, c.installs, installResult{worker: w, reply: reg.reply, err: err}, reg.reply)
			}()

		case res := <-c.installs:
			if res.err != nil {
				res.reply <- res.err
				continue
			}
			if res.worker != latest {
				res.worker.setState(Redundant)
				// A newer worker of the same generation writes to the same cache.
				if latest == nil || res.worker.gen.Name != latest.gen.Name {
					go c.discard(res.worker)
				}
				res.reply <- ErrSuperseded
				continue
			}
			w := res.worker
			go func() {
				if err := w.Activate(context.Background()); err != nil {
					w.log.WithError(err).Warn("Activation cleanup incomplete")
				}
				deliver(c, c.activations, activateResult{worker: w, reply: res.reply}, res.reply)
			}()

		case res := <-c.activations:
			if active != nil {
				active.setState(Redundant)
			}
			active = res.worker
			active.log.Info("Generation active")
			res.reply <- nil

		case w := <-c.restores:
			if active != nil || latest == nil || latest.gen.Name != w.gen.Name {
				w.setState(Redundant)
				continue
			}
			active = w

		case <-c.quit:
			// Writes of replaced workers target deleted generations and
			// fail anyway, so only the active worker is drained.
			if active != nil {
				active.Close()
			}
			return
		}
	}
}

// deliver hands a worker event to the loop unless the container is shutting
// down, in which case the waiting registration is released.
func deliver[T any](c *Container, ch chan T, v T, reply chan error) {
	select {
	case ch <- v:
	case <-c.quit:
		reply <- ErrClosed
	}
}

// restore serves a generation kept in storage by an earlier run while its
// install is still refreshing it.
func (c *Container) restore(gen Generation) {
	w := NewWorker(gen, c.storage, c.network)
	ok, err := w.Restore(context.Background())
	if err != nil {
		w.log.WithError(err).Warn("Failed to restore stored generation")
	}
	if !ok {
		return
	}
	select {
	case c.restores <- w:
	case <-c.quit:
	}
}

func (c *Container) discard(w *Worker) {
	if _, err := c.storage.Delete(context.Background(), w.gen.Name); err != nil {
		w.log.WithError(err).Warn("Failed to delete superseded generation")
	}
}

// Register installs gen while the current generation keeps serving, then
// activates it. It returns once gen is active or its install failed. When
// nothing is serving yet and storage still holds gen from an earlier run, the
// stored copy serves until the install completes, and it stays in service if
// the install fails.
func (c *Container) Register(ctx context.Context, gen Generation) error {
	reply := make(chan error, 1)
	select {
	case c.registrations <- registration{gen: gen, reply: reply}:
	case <-c.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active returns the worker currently serving requests, or nil.
func (c *Container) Active() *Worker {
	reply := make(chan *Worker, 1)
	select {
	case c.lookups <- reply:
		return <-reply
	case <-c.quit:
		return nil
	}
}

// RoundTrip intercepts req. The request completes on the worker that was
// active when it arrived, even if a newer generation takes over meanwhile.
func (c *Container) RoundTrip(req *http.Request) (*http.Response, error) {
	w := c.Active()
	if w == nil {
		return c.network.RoundTrip(req)
	}
	resp, err := w.Fetch(req)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"generation": w.gen.Name,
			"method":     req.Method,
			"url":        req.URL.String(),
		}).Debug("Intercepted request failed")
	}
	return resp, err
}

// Close stops the loop and waits for pending cache writes.
func (c *Container) Close() {
	c.closeOnce.Do(func() { close(c.quit) })
	<-c.done
}
