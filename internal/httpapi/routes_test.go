package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"replidraw/internal/document"
	"replidraw/internal/protocol"
	"replidraw/internal/pubsub"
	"replidraw/internal/storage"
)

type published struct {
	topic string
	event string
	poke  protocol.SuperPoke
}

// recordingPublisher captures super pokes instead of sending them.
type recordingPublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, topic, event string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	var poke protocol.SuperPoke
	if err := pubsub.Unmarshal(data, &poke); err != nil {
		return err
	}
	p.sent = append(p.sent, published{topic: topic, event: event, poke: poke})
	return nil
}

func (p *recordingPublisher) messages() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.sent...)
}

func newTestServer(t *testing.T, publisher pubsub.Publisher) *httptest.Server {
	t.Helper()
	store := newTestStore(t)
	server := NewServer(Options{Store: store, Publisher: publisher})
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	store, err := storage.OpenSQLite(path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := store.Init(t.Context()); err != nil {
		t.Fatalf("init sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func post(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func pushMutations(t *testing.T, baseURL, clientID string, mutations ...protocol.Mutation) {
	t.Helper()
	resp := post(t, baseURL+"/replicache-push?docID=doc", protocol.PushRequest{ClientID: clientID, Mutations: mutations})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("push status: got %d", resp.StatusCode)
	}
}

func pull(t *testing.T, baseURL, clientID string, cookie protocol.Cookie) protocol.PullResponse {
	t.Helper()
	resp := post(t, baseURL+"/replicache-pull?docID=doc", protocol.PullRequest{ClientID: clientID, Cookie: cookie})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pull status: got %d", resp.StatusCode)
	}
	var payload protocol.PullResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode pull: %v", err)
	}
	return payload
}

func mutation(t *testing.T, id int64, name string, args any) protocol.Mutation {
	t.Helper()
	raw, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("encode args: %v", err)
	}
	return protocol.Mutation{ID: id, Name: name, Args: raw}
}

func createShape(t *testing.T, id int64, shapeID string) protocol.Mutation {
	t.Helper()
	return mutation(t, id, document.CreateShape, document.CreateShapeArgs{ID: shapeID, Shape: document.Shape{X: 100, Y: 100}})
}

func TestPushPullRoundTrip(t *testing.T) {
	server := newTestServer(t, nil)

	pushMutations(t, server.URL, "client-1", createShape(t, 1, "s1"))

	payload := pull(t, server.URL, "client-1", "")
	if payload.Cookie != "1" {
		t.Fatalf("cookie: got %q", payload.Cookie)
	}
	if payload.LastMutationID != 1 {
		t.Fatalf("lastMutationID: got %d", payload.LastMutationID)
	}
	if len(payload.Patch) != 2 || payload.Patch[0].Op != protocol.OpClear {
		t.Fatalf("first pull should be a full snapshot: %+v", payload.Patch)
	}
	var shape document.Shape
	if err := json.Unmarshal(payload.Patch[1].Value, &shape); err != nil {
		t.Fatalf("decode shape: %v", err)
	}
	if shape.ID != "s1" || shape.X != 100 {
		t.Fatalf("unexpected shape: %+v", shape)
	}
}

func TestPullIncremental(t *testing.T) {
	server := newTestServer(t, nil)

	pushMutations(t, server.URL, "client-1", createShape(t, 1, "s1"), createShape(t, 2, "s2"))
	first := pull(t, server.URL, "client-2", "")

	pushMutations(t, server.URL, "client-1", mutation(t, 3, document.MoveShape, document.MoveShapeArgs{ID: "s2", DX: 1}))
	second := pull(t, server.URL, "client-2", first.Cookie)
	if second.Cookie != "2" {
		t.Fatalf("cookie: got %q", second.Cookie)
	}
	if len(second.Patch) != 1 || second.Patch[0].Key != "shape/s2" {
		t.Fatalf("only the moved shape should change: %+v", second.Patch)
	}
	if second.LastMutationID != 0 {
		t.Fatalf("client-2 pushed nothing, got lastMutationID %d", second.LastMutationID)
	}

	third := pull(t, server.URL, "client-2", second.Cookie)
	if len(third.Patch) != 0 {
		t.Fatalf("nothing changed: %+v", third.Patch)
	}
}

func TestPullUnreadableCookieResets(t *testing.T) {
	server := newTestServer(t, nil)
	pushMutations(t, server.URL, "client-1", createShape(t, 1, "s1"))

	for _, cookie := range []protocol.Cookie{"garbage", "99"} {
		payload := pull(t, server.URL, "client-1", cookie)
		if len(payload.Patch) == 0 || payload.Patch[0].Op != protocol.OpClear {
			t.Fatalf("cookie %q should reset the client: %+v", cookie, payload.Patch)
		}
		if payload.Cookie != "1" {
			t.Fatalf("cookie: got %q", payload.Cookie)
		}
	}
}

func TestPushDedupe(t *testing.T) {
	server := newTestServer(t, nil)

	pushMutations(t, server.URL, "client-1", createShape(t, 1, "s1"))
	pushMutations(t, server.URL, "client-1", createShape(t, 1, "s1"))

	payload := pull(t, server.URL, "client-1", "")
	if payload.Cookie != "1" {
		t.Fatalf("replayed push should not bump the version, cookie %q", payload.Cookie)
	}
}

func TestPushFailedMutationStillAdvances(t *testing.T) {
	server := newTestServer(t, nil)

	pushMutations(t, server.URL, "client-1",
		protocol.Mutation{ID: 1, Name: "noSuchMutator", Args: json.RawMessage(`{}`)},
		createShape(t, 2, "s1"),
	)

	payload := pull(t, server.URL, "client-1", "")
	if payload.LastMutationID != 2 {
		t.Fatalf("lastMutationID: got %d", payload.LastMutationID)
	}
}

func TestPushMissingClientID(t *testing.T) {
	server := newTestServer(t, nil)

	resp := post(t, server.URL+"/replicache-push?docID=doc", protocol.PushRequest{
		Mutations: []protocol.Mutation{createShape(t, 1, "s1")},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
}

func TestPullMissingClientID(t *testing.T) {
	server := newTestServer(t, nil)

	resp := post(t, server.URL+"/replicache-pull?docID=doc", protocol.PullRequest{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
}

func TestPullUnknownField(t *testing.T) {
	server := newTestServer(t, nil)

	resp := post(t, server.URL+"/replicache-pull?docID=doc", map[string]any{"clientID": "c", "bogus": true})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	server := newTestServer(t, nil)

	resp, err := http.Get(server.URL + "/replicache-push")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	var payload errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Error == "" {
		t.Fatalf("error message missing")
	}
}

func TestPushPokesClientsWithCursor(t *testing.T) {
	publisher := &recordingPublisher{}
	server := newTestServer(t, publisher)

	pushMutations(t, server.URL, "client-a", createShape(t, 1, "s1"))
	if got := publisher.messages(); len(got) != 0 {
		t.Fatalf("nobody has pulled yet, got %d pokes", len(got))
	}

	bootstrap := pull(t, server.URL, "client-b", "")
	pushMutations(t, server.URL, "client-a", mutation(t, 2, document.MoveShape, document.MoveShapeArgs{ID: "s1", DX: 10}))

	sent := publisher.messages()
	if len(sent) != 1 {
		t.Fatalf("expected one poke for client-b, got %+v", sent)
	}
	poke := sent[0]
	if poke.topic != "replidraw-doc-client-b" || poke.event != protocol.SuperPokeEvent {
		t.Fatalf("unexpected destination: %s %s", poke.topic, poke.event)
	}
	if poke.poke.LastCookie != bootstrap.Cookie || poke.poke.Response.Cookie != "2" {
		t.Fatalf("poke should answer %q with version 2: %+v", bootstrap.Cookie, poke.poke)
	}
	if len(poke.poke.Response.Patch) != 1 || poke.poke.Response.Patch[0].Key != "shape/s1" {
		t.Fatalf("unexpected poke patch: %+v", poke.poke.Response.Patch)
	}

	// The poke advanced client-b's cursor; an unrelated push pokes from there.
	pushMutations(t, server.URL, "client-a", mutation(t, 3, document.MoveShape, document.MoveShapeArgs{ID: "s1", DX: 1}))
	sent = publisher.messages()
	if len(sent) != 2 || sent[1].poke.LastCookie != "2" || sent[1].poke.Response.Cookie != "3" {
		t.Fatalf("second poke should chain from the first: %+v", sent)
	}
}

func TestPublishFailureDoesNotFailPush(t *testing.T) {
	publisher := &recordingPublisher{err: errors.New("broker down")}
	server := newTestServer(t, publisher)

	pull(t, server.URL, "client-b", "")
	pushMutations(t, server.URL, "client-a", createShape(t, 1, "s1"))

	// Without a delivered poke the cursor stays put and the client pulls normally.
	payload := pull(t, server.URL, "client-b", "0")
	if payload.Cookie != "1" || len(payload.Patch) != 1 {
		t.Fatalf("pull should still deliver the change: %+v", payload)
	}
}

func TestHealthz(t *testing.T) {
	server := newTestServer(t, nil)

	resp, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
}
