package realtime

import (
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"catalog-editor/auth"
	"catalog-editor/catalog"
	"catalog-editor/core"
	"catalog-editor/stores/memory"
)

type emitted struct {
	event   string
	payload any
}

type recorder struct {
	mu     sync.Mutex
	events []emitted
}

func (r *recorder) emit(event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emitted{event, payload})
}

// last returns the most recent payload of event.
func (r *recorder) last(event string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].event == event {
			return r.events[i].payload, true
		}
	}
	return nil, false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestConnection(t *testing.T) (*connection, *recorder, *auth.Service) {
	t.Helper()
	docs := memory.NewDocumentStore()
	engine := catalog.NewEngine(docs, memory.NewObjectStore("http://localhost:3002"))
	svc := auth.NewService(docs, []byte("secret"))
	rec := &recorder{}
	conn := newConnection("s1", engine, svc, rec.emit)
	t.Cleanup(conn.close)
	return conn, rec, svc
}

func mustOK(t *testing.T, ack map[string]any) any {
	t.Helper()
	if ack["status"] != "ok" {
		t.Fatalf("ack = %v, want ok", ack)
	}
	return ack["result"]
}

func wantCode(t *testing.T, ack map[string]any, code string) {
	t.Helper()
	if ack["status"] != "error" || ack["code"] != code {
		t.Errorf("ack = %v, want code %q", ack, code)
	}
}

func categoryNames(payload any) []string {
	cats, _ := payload.([]core.Category)
	out := make([]string, len(cats))
	for i, c := range cats {
		out[i] = c.Name
	}
	return out
}

func TestConnection_SignedOutRejectsMutations(t *testing.T) {
	conn, rec, _ := newTestConnection(t)

	waitFor(t, "signed out auth state", func() bool {
		p, ok := rec.last("auth-state")
		return ok && p.(map[string]any)["user"] == (*core.User)(nil)
	})
	wantCode(t, conn.handle("add-category", []any{map[string]any{"name": "Tea"}}), "unauthenticated")
	wantCode(t, conn.handle("sign-in", []any{map[string]any{"email": "ada@example.com", "password": "wrong12"}}), "unauthenticated")
	wantCode(t, conn.handle("sign-in", []any{map[string]any{"token": "garbage"}}), "unauthenticated")
}

func TestConnection_CategoryLifecycle(t *testing.T) {
	conn, rec, _ := newTestConnection(t)

	result := mustOK(t, conn.handle("sign-up", []any{map[string]any{"email": "ada@example.com", "password": "secret1"}}))
	if token, _ := result.(map[string]any)["token"].(string); token == "" {
		t.Fatalf("sign-up result = %v, want token", result)
	}

	for _, name := range []string{"A", "B", "C"} {
		mustOK(t, conn.handle("add-category", []any{map[string]any{"name": name}}))
	}
	waitFor(t, "three categories pushed", func() bool {
		p, _ := rec.last("categories")
		return len(categoryNames(p)) == 3
	})

	mustOK(t, conn.handle("reorder-category", []any{map[string]any{"from": float64(0), "to": float64(2)}}))
	waitFor(t, "reordered categories pushed", func() bool {
		p, _ := rec.last("categories")
		n := categoryNames(p)
		return len(n) == 3 && n[0] == "B" && n[1] == "C" && n[2] == "A"
	})

	p, _ := rec.last("categories")
	first := p.([]core.Category)[0]
	mustOK(t, conn.handle("delete-category", []any{map[string]any{"id": first.ID}}))
	waitFor(t, "deletion pushed", func() bool {
		p, _ := rec.last("categories")
		n := categoryNames(p)
		return len(n) == 2 && n[0] == "C" && n[1] == "A"
	})

	wantCode(t, conn.handle("reorder-category", []any{map[string]any{"from": float64(0), "to": 1.5}}), "validation")
	wantCode(t, conn.handle("add-category", []any{map[string]any{"name": "  "}}), "validation")
	wantCode(t, conn.handle("rename-category", []any{map[string]any{"id": "missing", "name": "x"}}), "not-found")

	mustOK(t, conn.handle("sign-out", nil))
	wantCode(t, conn.handle("add-category", []any{map[string]any{"name": "D"}}), "unauthenticated")
}

func TestConnection_TokenSignInReopensCatalog(t *testing.T) {
	conn, rec, svc := newTestConnection(t)

	token, err := svc.Issue(&core.User{ID: "user-1", Login: "ada"})
	if err != nil {
		t.Fatal(err)
	}
	mustOK(t, conn.handle("sign-in", []any{map[string]any{"token": token}}))
	mustOK(t, conn.handle("add-category", []any{map[string]any{"name": "Tea"}}))

	waitFor(t, "signed in auth state", func() bool {
		p, ok := rec.last("auth-state")
		if !ok {
			return false
		}
		u, _ := p.(map[string]any)["user"].(*core.User)
		return u != nil && u.ID == "user-1"
	})
}

func TestConnection_AddItem(t *testing.T) {
	conn, rec, _ := newTestConnection(t)
	mustOK(t, conn.handle("sign-up", []any{map[string]any{"email": "ada@example.com", "password": "secret1"}}))

	result := mustOK(t, conn.handle("add-category", []any{map[string]any{"name": "Tea"}}))
	cat := result.(core.Category)
	mustOK(t, conn.handle("select-category", []any{map[string]any{"id": cat.ID}}))

	image := base64.StdEncoding.EncodeToString([]byte("png-bytes"))
	result = mustOK(t, conn.handle("add-item", []any{map[string]any{
		"categoryId": cat.ID,
		"name":       "Green Tea",
		"price":      "3.50",
		"image":      image,
		"filename":   "green.png",
	}}))
	item := result.(core.Item)
	if item.ImageURL == "" {
		t.Errorf("item = %+v, want image url", item)
	}

	waitFor(t, "items pushed", func() bool {
		p, ok := rec.last("items")
		if !ok {
			return false
		}
		m := p.(map[string]any)
		items, _ := m["items"].([]core.Item)
		return m["categoryId"] == cat.ID && len(items) == 1
	})

	wantCode(t, conn.handle("add-item", []any{map[string]any{
		"categoryId": cat.ID, "name": "x", "price": "1", "image": "%%%",
	}}), "bad-request")
	wantCode(t, conn.handle("add-item", []any{map[string]any{
		"categoryId": cat.ID, "name": "x", "price": "1",
	}}), "validation")
	wantCode(t, conn.handle("update-item", []any{map[string]any{"id": item.ID, "name": "x", "price": "-1"}}), "validation")

	mustOK(t, conn.handle("delete-item", []any{map[string]any{"id": item.ID}}))
	waitFor(t, "empty items pushed", func() bool {
		p, _ := rec.last("items")
		items, _ := p.(map[string]any)["items"].([]core.Item)
		return len(items) == 0
	})
	wantCode(t, conn.handle("rename-item", []any{map[string]any{"id": "missing", "name": "x"}}), "not-found")
}

func TestExtractAck(t *testing.T) {
	t.Run("transport callback", func(t *testing.T) {
		var got []any
		var gotErr error
		ack, args := extractAck([]any{map[string]any{"name": "Tea"}, func(a []any, err error) {
			got, gotErr = a, err
		}})
		if ack == nil || len(args) != 1 {
			t.Fatalf("extractAck() ack found = %t, args = %v", ack != nil, args)
		}
		ack(nil, map[string]any{"status": "ok"})
		if gotErr != nil || len(got) != 1 || got[0].(map[string]any)["status"] != "ok" {
			t.Errorf("ack delivered %v, %v", got, gotErr)
		}
	})

	t.Run("single argument callback", func(t *testing.T) {
		var got map[string]any
		ack, _ := extractAck([]any{func(m map[string]any) { got = m }})
		ack(nil, map[string]any{"status": "error"})
		if got["status"] != "error" {
			t.Errorf("ack delivered %v", got)
		}
	})

	t.Run("no callback", func(t *testing.T) {
		ack, args := extractAck([]any{"x"})
		if ack != nil || len(args) != 1 {
			t.Errorf("extractAck() ack found = %t, args = %v", ack != nil, args)
		}
		if ack, _ := extractAck(nil); ack != nil {
			t.Error("extractAck(nil) returned an ack")
		}
	})
}
