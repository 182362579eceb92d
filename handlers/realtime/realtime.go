// Package realtime carries the live catalog to browser sessions over
// socket.io. Every connection gets its own identity client and catalog
// session; snapshots are pushed as they change and mutations are answered
// through acknowledgements.
package realtime

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"catalog-editor/auth"
	"catalog-editor/catalog"
	"catalog-editor/core"

	"github.com/sirupsen/logrus"
	"github.com/zishang520/engine.io/v2/types"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

// Events a client may send. Each accepts an optional trailing ack.
var events = []string{
	"sign-up",
	"sign-in",
	"sign-out",
	"select-category",
	"add-category",
	"rename-category",
	"reorder-category",
	"delete-category",
	"add-item",
	"rename-item",
	"update-item",
	"delete-item",
}

// eventTimeout bounds a single mutation. Item uploads carry their own budget
// inside the engine.
const eventTimeout = 2 * time.Minute

const openTimeout = 30 * time.Second

var errBadPayload = errors.New("invalid payload")

type emitFunc func(event string, payload any)

// connection is the per-socket state, kept apart from the transport so it
// can be driven directly.
type connection struct {
	id      string
	client  *auth.Client
	session *catalog.Session
	emit    emitFunc
	log     *logrus.Entry
}

func newConnection(id string, engine *catalog.Engine, svc *auth.Service, emit emitFunc) *connection {
	c := &connection{
		id:     id,
		client: auth.NewClient(svc),
		emit:   emit,
		log:    logrus.WithField("socket_id", id),
	}
	c.session = catalog.NewSession(engine, c.client, catalog.Listeners{
		AuthState: func(u *core.User) {
			c.emit("auth-state", map[string]any{"user": u})
		},
		Categories: func(cats []core.Category) {
			c.emit("categories", cats)
		},
		Items: func(categoryID string, items []core.Item) {
			c.emit("items", map[string]any{"categoryId": categoryID, "items": items})
		},
	})
	return c
}

func (c *connection) close() {
	c.session.Close()
	c.client.Close()
}

// handle runs one event and returns the ack payload.
func (c *connection) handle(event string, args []any) map[string]any {
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	in := map[string]any{}
	if len(args) > 0 {
		if m, ok := args[0].(map[string]any); ok {
			in = m
		}
	}

	result, err := c.dispatch(ctx, event, in)
	if err != nil {
		return c.failure(event, err)
	}
	out := map[string]any{"status": "ok"}
	if result != nil {
		out["result"] = result
	}
	return out
}

func (c *connection) dispatch(ctx context.Context, event string, in map[string]any) (any, error) {
	switch event {
	case "sign-up":
		return c.signIn(ctx, in, c.client.SignUp)
	case "sign-in":
		if token := stringArg(in, "token"); token != "" {
			if err := c.client.SignInWithToken(token); err != nil {
				return nil, err
			}
			return nil, c.awaitCatalog(ctx)
		}
		return c.signIn(ctx, in, c.client.SignIn)
	case "sign-out":
		if err := c.session.SignOut(); err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(ctx, openTimeout)
		defer cancel()
		return nil, c.session.AwaitSignedOut(ctx)
	}

	cat, err := c.session.Catalog()
	if err != nil {
		return nil, err
	}

	switch event {
	case "select-category":
		return nil, cat.SelectCategory(ctx, stringArg(in, "id"))
	case "add-category":
		return cat.AddCategory(ctx, stringArg(in, "name"))
	case "rename-category":
		return nil, cat.RenameCategory(ctx, stringArg(in, "id"), stringArg(in, "name"))
	case "reorder-category":
		from, okFrom := intArg(in, "from")
		to, okTo := intArg(in, "to")
		if !okFrom || !okTo {
			return nil, core.NewValidationError("from/to", "must be integers")
		}
		return nil, cat.ReorderCategory(ctx, from, to)
	case "delete-category":
		return nil, cat.DeleteCategory(ctx, stringArg(in, "id"))
	case "add-item":
		image, err := bytesArg(in, "image")
		if err != nil {
			return nil, err
		}
		return cat.AddItem(ctx, catalog.NewItem{
			CategoryID:  stringArg(in, "categoryId"),
			Name:        stringArg(in, "name"),
			Price:       stringArg(in, "price"),
			Image:       image,
			Filename:    stringArg(in, "filename"),
			ContentType: stringArg(in, "contentType"),
		})
	case "rename-item":
		return nil, cat.RenameItem(ctx, stringArg(in, "id"), stringArg(in, "name"))
	case "update-item":
		return cat.UpdateItem(ctx, stringArg(in, "id"), stringArg(in, "name"), stringArg(in, "price"))
	case "delete-item":
		return nil, cat.DeleteItem(ctx, stringArg(in, "id"))
	}
	return nil, fmt.Errorf("unknown event %q", event)
}

func (c *connection) signIn(ctx context.Context, in map[string]any, fn func(context.Context, string, string) (string, error)) (any, error) {
	token, err := fn(ctx, stringArg(in, "email"), stringArg(in, "password"))
	if err != nil {
		return nil, err
	}
	if err := c.awaitCatalog(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"token": token}, nil
}

// awaitCatalog holds the sign-in ack until the user's catalog is open, so
// the next event on the socket can mutate it.
func (c *connection) awaitCatalog(ctx context.Context) error {
	user := c.client.User()
	if user == nil {
		return catalog.ErrSignedOut
	}
	ctx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()
	_, err := c.session.Await(ctx, user.ID)
	return err
}

// failure builds the error ack. code lets clients branch without parsing
// messages.
func (c *connection) failure(event string, err error) map[string]any {
	var ve *core.ValidationError
	var re *core.RemoteUnavailableError
	code := "internal"
	switch {
	case errors.As(err, &ve):
		code = "validation"
	case errors.Is(err, core.ErrNotFound):
		code = "not-found"
	case errors.As(err, &re):
		code = "unavailable"
	case errors.Is(err, catalog.ErrSignedOut), errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrInvalidToken):
		code = "unauthenticated"
	case errors.Is(err, auth.ErrEmailTaken):
		code = "conflict"
	case errors.Is(err, errBadPayload):
		code = "bad-request"
	}

	entry := c.log.WithError(err).WithFields(logrus.Fields{"event": event, "code": code})
	if code == "internal" || code == "unavailable" {
		entry.Error("Event failed")
	} else {
		entry.Debug("Event rejected")
	}
	return map[string]any{"status": "error", "error": err.Error(), "code": code}
}

func stringArg(in map[string]any, key string) string {
	switch v := in[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprint(v)
	}
	return ""
}

// intArg accepts JSON numbers, which arrive as float64.
func intArg(in map[string]any, key string) (int, bool) {
	switch v := in[key].(type) {
	case float64:
		if v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

// bytesArg reads a binary attachment or a base64 string. A missing image is
// left for the engine to reject.
func bytesArg(in map[string]any, key string) (io.Reader, error) {
	switch v := in[key].(type) {
	case nil:
		return nil, nil
	case []byte:
		return bytes.NewReader(v), nil
	case string:
		data, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s is not base64", errBadPayload, key)
		}
		return bytes.NewReader(data), nil
	}
	return nil, fmt.Errorf("%w: %s", errBadPayload, key)
}

// SetupSocketIO creates the socket.io server that serves live catalogs.
func SetupSocketIO(engine *catalog.Engine, svc *auth.Service) *socketio.Server {
	opts := socketio.DefaultServerOptions()
	opts.SetMaxHttpBufferSize(12 << 20)
	opts.SetPath("/socket.io")
	opts.SetAllowEIO3(true)
	opts.SetCors(&types.Cors{
		Origin:      "*",
		Credentials: true,
	})
	srv := socketio.NewServer(nil, opts)

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	srv.On("connection", func(clients ...any) {
		socket, ok := clients[0].(*socketio.Socket)
		if !ok {
			return
		}

		conn := newConnection(string(socket.Id()), engine, svc, func(event string, payload any) {
			_ = socket.Emit(event, payload)
		})
		conn.log.Debug("Catalog connection opened")

		for _, event := range events {
			event := event
			//nolint:errcheck // Socket.IO event handlers do not return useful errors
			socket.On(event, func(datas ...any) {
				ack, args := extractAck(datas)
				payload := conn.handle(event, args)
				if ack != nil {
					ack(nil, payload)
				}
			})
		}

		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On("disconnect", func(...any) {
			conn.close()
			conn.log.Debug("Catalog connection closed")
		})
	})
	return srv
}
