package present_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/session-engine/internal/model"
	"github.com/atmx/session-engine/internal/present"
)

func castPrompt() model.Surface {
	return model.Surface{
		Kind:    model.SurfaceActionPrompt,
		Header:  "Ready",
		Body:    "Cast your line?",
		Actions: []model.Action{{ID: "cast", Label: "Cast"}, {ID: "status", Label: "Status"}, {ID: "cancel", Label: "Cancel"}},
	}
}

// --- Telegram ---

type botCall struct {
	method string
	body   map[string]any
}

func fakeBot(t *testing.T) (*httptest.Server, func() []botCall) {
	t.Helper()
	var mu sync.Mutex
	var calls []botCall
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		calls = append(calls, botCall{method: method, body: body})
		mu.Unlock()

		if !strings.HasPrefix(r.URL.Path, "/botTOKEN/") {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"ok":false,"description":"Unauthorized"}`))
			return
		}
		if body["message_id"] == float64(404) {
			w.Write([]byte(`{"ok":false,"description":"message to edit not found"}`))
			return
		}
		w.Write([]byte(`{"ok":true,"result":{"message_id":42}}`))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []botCall {
		mu.Lock()
		defer mu.Unlock()
		return append([]botCall(nil), calls...)
	}
}

func TestTelegram_PresentAndInvalidate(t *testing.T) {
	srv, calls := fakeBot(t)
	tg := present.NewTelegram(srv.URL, "TOKEN", time.Second)
	ctx := context.Background()

	ref, err := tg.Present(ctx, "1001", castPrompt())
	require.NoError(t, err)
	assert.Equal(t, model.SurfaceRef("1001:42"), ref)

	require.Len(t, calls(), 1)
	sent := calls()[0]
	assert.Equal(t, "sendMessage", sent.method)
	assert.Equal(t, "1001", sent.body["chat_id"])
	assert.Equal(t, "Ready\n\nCast your line?", sent.body["text"])
	rows := sent.body["reply_markup"].(map[string]any)["inline_keyboard"].([]any)
	assert.Len(t, rows, 2, "three actions lay out as two rows")

	require.NoError(t, tg.Invalidate(ctx, "1001", ref))
	require.Len(t, calls(), 2)
	edit := calls()[1]
	assert.Equal(t, "editMessageReplyMarkup", edit.method)
	assert.Equal(t, float64(42), edit.body["message_id"])
	assert.Empty(t, edit.body["reply_markup"].(map[string]any)["inline_keyboard"])
}

func TestTelegram_Errors(t *testing.T) {
	srv, _ := fakeBot(t)
	ctx := context.Background()

	_, err := present.NewTelegram(srv.URL, "WRONG", time.Second).Present(ctx, "1", castPrompt())
	assert.ErrorContains(t, err, "401")

	tg := present.NewTelegram(srv.URL, "TOKEN", time.Second)
	assert.ErrorContains(t, tg.Invalidate(ctx, "1", "1:404"), "not found")
	assert.Error(t, tg.Invalidate(ctx, "1", "garbage"))
}

func TestText_SkipsEmptyParts(t *testing.T) {
	assert.Equal(t, "body", present.Text(model.Surface{Body: "body"}))
	assert.Equal(t, "h\n\nb\n\nf", present.Text(model.Surface{Header: "h", Body: "b", Footer: "f"}))
}

// --- Fanout ---

type stubPresenter struct {
	name        string
	fail        bool
	invalidated []model.SurfaceRef
}

func (s *stubPresenter) Present(_ context.Context, _ string, _ model.Surface) (model.SurfaceRef, error) {
	if s.fail {
		return "", errors.New(s.name + " down")
	}
	return model.SurfaceRef(s.name), nil
}

func (s *stubPresenter) Invalidate(_ context.Context, _ string, ref model.SurfaceRef) error {
	s.invalidated = append(s.invalidated, ref)
	return nil
}

func TestFanout(t *testing.T) {
	a, b := &stubPresenter{name: "a"}, &stubPresenter{name: "b", fail: true}
	f := present.Fanout{a, b}
	ctx := context.Background()

	ref, err := f.Present(ctx, "u1", castPrompt())
	require.NoError(t, err, "one transport succeeding is enough")
	assert.Equal(t, model.SurfaceRef("a|"), ref)

	require.NoError(t, f.Invalidate(ctx, "u1", ref))
	assert.Equal(t, []model.SurfaceRef{"a"}, a.invalidated)
	assert.Empty(t, b.invalidated)

	a.fail = true
	_, err = f.Present(ctx, "u1", castPrompt())
	assert.Error(t, err)
}

// --- WebSocket ---

type dispatchRecorder struct {
	ch chan string
}

func (d dispatchRecorder) Dispatch(_ context.Context, userID, actionID string) error {
	d.ch <- userID + ":" + actionID
	return nil
}

func startHub(t *testing.T) (*present.WSHub, string) {
	t.Helper()
	hub := present.NewWSHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeUser(w, r, r.URL.Query().Get("user_id"))
	}))
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url, userID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url+"?user_id="+userID, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) present.WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg present.WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWSHub_PresentAndInvalidate(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url, "u1")
	require.Eventually(t, func() bool { return hub.Connected("u1") == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	ref, err := hub.Present(ctx, "u1", castPrompt())
	require.NoError(t, err)

	msg := readMessage(t, conn)
	assert.Equal(t, present.TypeSurface, msg.Type)
	assert.Equal(t, string(ref), msg.Ref)
	require.NotNil(t, msg.Surface)
	assert.Equal(t, "Cast your line?", msg.Surface.Body)

	require.NoError(t, hub.Invalidate(ctx, "u1", ref))
	msg = readMessage(t, conn)
	assert.Equal(t, present.TypeInvalidate, msg.Type)
	assert.Equal(t, string(ref), msg.Ref)
}

func TestWSHub_ReplaysLastPromptOnConnect(t *testing.T) {
	hub, url := startHub(t)
	ref, err := hub.Present(context.Background(), "u2", castPrompt())
	require.NoError(t, err)

	conn := dial(t, url, "u2")
	msg := readMessage(t, conn)
	assert.Equal(t, string(ref), msg.Ref)
}

func TestWSHub_DispatchesActions(t *testing.T) {
	hub, url := startHub(t)
	rec := dispatchRecorder{ch: make(chan string, 1)}
	hub.SetDispatcher(rec)

	conn := dial(t, url, "u3")
	require.NoError(t, conn.WriteJSON(present.WSMessage{Type: present.TypeAction, Action: "cast"}))

	select {
	case got := <-rec.ch:
		assert.Equal(t, "u3:cast", got)
	case <-time.After(2 * time.Second):
		t.Fatal("action not dispatched")
	}
}
