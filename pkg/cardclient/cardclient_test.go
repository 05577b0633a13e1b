package cardclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/cardstream/pkg/cards"
	"github.com/go-go-golems/cardstream/pkg/cards/session"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type stubConn struct {
	mu     sync.Mutex
	writes [][]byte
	fail   bool
	closed bool
}

func (s *stubConn) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail || s.closed {
		return errors.New("closed")
	}
	s.writes = append(s.writes, append([]byte(nil), data...))
	return nil
}

func (s *stubConn) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubConn) frames(t *testing.T) []Frame {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Frame, 0, len(s.writes))
	for _, b := range s.writes {
		var f Frame
		require.NoError(t, json.Unmarshal(b, &f))
		out = append(out, f)
	}
	return out
}

func newCard(t *testing.T, l *Loopback) string {
	t.Helper()
	id, err := l.CreateCard(context.Background(), session.CreateRequest{
		TemplateID:     "group-chain",
		ConversationID: "conv-1",
		Public:         cards.Data{"title": cards.String("lunch"), "joined": cards.Bool(false)},
	})
	require.NoError(t, err)
	return id
}

func TestLoopbackMergesByKey(t *testing.T) {
	l := NewLoopback(0)
	ctx := context.Background()
	id := newCard(t, l)

	require.NoError(t, l.UpdateCard(ctx, id, cards.Data{"joined": cards.Bool(true)}, session.ByKey()))
	require.NoError(t, l.UpdatePrivateData(ctx, id, "u1", cards.Data{"uid": cards.String("u1")}, session.ByKey()))
	require.NoError(t, l.UpdatePrivateData(ctx, id, "u1", cards.Data{"joined": cards.Bool(true)}, session.ByKey()))

	c, ok := l.Snapshot(id)
	require.True(t, ok)
	require.Equal(t, "lunch", c.Public["title"].Str())
	require.True(t, c.Public["joined"].Bool())
	require.Equal(t, "u1", c.Private["u1"]["uid"].Str())
	require.True(t, c.Private["u1"]["joined"].Bool())

	require.NoError(t, l.UpdateCard(ctx, id, cards.Data{"title": cards.String("dinner")}, session.UpdateOptions{}))
	c, _ = l.Snapshot(id)
	require.Len(t, c.Public, 1)
}

func TestLoopbackUnknownCard(t *testing.T) {
	l := NewLoopback(0)
	err := l.UpdateCard(context.Background(), "nope", cards.Data{}, session.ByKey())
	require.ErrorIs(t, err, ErrUnknownCard)
	require.Error(t, l.Attach("nope", &stubConn{}))
}

func TestLoopbackStreamClosesAfterFinalize(t *testing.T) {
	l := NewLoopback(0)
	ctx := context.Background()
	id := newCard(t, l)

	require.NoError(t, l.StreamUpdate(ctx, session.StreamRequest{CardID: id, Key: "content", Content: "hel", IsFull: true}))
	require.NoError(t, l.StreamUpdate(ctx, session.StreamRequest{CardID: id, Key: "content", Content: "lo", IsFinalize: true}))
	c, _ := l.Snapshot(id)
	require.Equal(t, "hello", c.Public["content"].Str())
	require.True(t, c.Streams["content"].Finalized)

	err := l.StreamUpdate(ctx, session.StreamRequest{CardID: id, Key: "content", Content: "!", IsFull: true})
	require.Error(t, err)
}

func TestViewersGetSnapshotThenUpdates(t *testing.T) {
	l := NewLoopback(0)
	ctx := context.Background()
	id := newCard(t, l)

	viewer := &stubConn{}
	require.NoError(t, l.Attach(id, viewer))
	require.Equal(t, 1, l.Viewers(id))
	require.NoError(t, l.UpdateCard(ctx, id, cards.Data{"joined": cards.Bool(true)}, session.ByKey()))

	frames := viewer.frames(t)
	require.Len(t, frames, 2)
	require.Equal(t, FrameSnapshot, frames[0].Type)
	require.Equal(t, "lunch", frames[0].Card.Public["title"].Str())
	require.Equal(t, FrameCard, frames[1].Type)
	require.True(t, frames[1].Data["joined"].Bool())
}

func TestConnectionPoolDropsFailingViewer(t *testing.T) {
	pool := NewConnectionPool("c1", 0, nil)
	good, bad := &stubConn{}, &stubConn{fail: true}
	pool.Add(good)
	pool.Add(bad)

	pool.Broadcast([]byte(`{}`))
	require.Equal(t, 1, pool.Count())
	require.True(t, bad.closed)
	require.Len(t, good.writes, 1)
}

func TestConnectionPoolIdleCallback(t *testing.T) {
	idle := make(chan struct{}, 1)
	pool := NewConnectionPool("c1", 10*time.Millisecond, func() { idle <- struct{}{} })
	conn := &stubConn{}
	pool.Add(conn)
	pool.Remove(conn)

	select {
	case <-idle:
	case <-time.After(time.Second):
		t.Fatal("idle callback not called")
	}
}

func TestWSHandlerStreamsCardUpdates(t *testing.T) {
	l := NewLoopback(0)
	id := newCard(t, l)

	srv := httptest.NewServer(NewWSHandler(l, websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?card_id=" + id
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })

	var f Frame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&f))
	require.Equal(t, FrameSnapshot, f.Type)

	require.NoError(t, l.UpdateCard(context.Background(), id, cards.Data{"title": cards.String("dinner")}, session.ByKey()))
	require.NoError(t, conn.ReadJSON(&f))
	require.Equal(t, FrameCard, f.Type)
	require.Equal(t, "dinner", f.Data["title"].Str())
}

func TestWSHandlerRejectsUnknownCard(t *testing.T) {
	l := NewLoopback(0)
	rec := httptest.NewRecorder()
	NewWSHandler(l, websocket.Upgrader{})(rec, httptest.NewRequest(http.MethodGet, "/ws?card_id=nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCardHTTPHandler(t *testing.T) {
	l := NewLoopback(0)
	id := newCard(t, l)

	rec := httptest.NewRecorder()
	NewCardHTTPHandler(l, nil)(rec, httptest.NewRequest(http.MethodGet, "/api/cards/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Card Card `json:"card"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, id, body.Card.ID)
	require.Equal(t, "lunch", body.Card.Public["title"].Str())

	rec = httptest.NewRecorder()
	NewCardHTTPHandler(l, nil)(rec, httptest.NewRequest(http.MethodGet, "/api/cards/missing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCardHTTPHandlerListsWithAndWithoutSlash(t *testing.T) {
	l := NewLoopback(0)
	id := newCard(t, l)

	for _, path := range []string{"/api/cards", "/api/cards/", "/api/cards?conversation_id=conv-1"} {
		rec := httptest.NewRecorder()
		NewCardHTTPHandler(l, nil)(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
		var body struct {
			Cards []string `json:"cards"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Equal(t, []string{id}, body.Cards, path)
	}

	rec := httptest.NewRecorder()
	NewCardHTTPHandler(l, nil)(rec, httptest.NewRequest(http.MethodGet, "/api/cards?conversation_id=other", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"cards":null}`, rec.Body.String())
}

type failingSender struct{}

func (failingSender) SendNotice(context.Context, session.Notice) (string, error) {
	return "", errors.New("card api unavailable")
}

func postNotice(h http.HandlerFunc, path, body string) (*httptest.ResponseRecorder, noticeResponse) {
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
	var resp noticeResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	return rec, resp
}

func TestNoticeHandlerPushesNoticeCards(t *testing.T) {
	l := NewLoopback(0)
	engine, err := session.NewEngine(session.Options{Client: l, Settings: session.DefaultSettings()})
	require.NoError(t, err)
	h := NewNoticeHandler(engine, "notices")

	rec, resp := postNotice(h, "/notice/channel_new_course",
		`{"new_launched_id":"111","new_launched_name":"Card platform","new_launched_sub_id":"111333","new_launceed_sub_name":"AI cards","channel_id":"222"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, resp.Success)
	require.Equal(t, "", resp.ErrMsg)

	card, ok := l.Snapshot(resp.CardID)
	require.True(t, ok)
	require.Equal(t, session.TemplateNotice, card.TemplateID)
	require.Equal(t, "notices", card.ConversationID)
	require.Contains(t, card.Public["content"].Str(), "AI cards")

	rec, resp = postNotice(h, "/notice/live_beginning", `{"conversation_id":"conv-9","live_id":"7","live_name":"Model update","live_beginning_time":"16:00"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, resp.Success)
	require.Equal(t, []string{resp.CardID}, l.Cards("conv-9"))
}

func TestNoticeHandlerRejectsBadRequests(t *testing.T) {
	l := NewLoopback(0)
	engine, err := session.NewEngine(session.Options{Client: l, Settings: session.DefaultSettings()})
	require.NoError(t, err)
	h := NewNoticeHandler(engine, "notices")

	rec, resp := postNotice(h, "/notice/unknown", `{}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.False(t, resp.Success)

	rec, resp = postNotice(h, "/notice/live_beginning", `{`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.False(t, resp.Success)

	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/notice/live_beginning", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec, resp = postNotice(NewNoticeHandler(failingSender{}, "notices"), "/notice/live_beginning", `{}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.False(t, resp.Success)
	require.Equal(t, "card api unavailable", resp.ErrMsg)
	require.Empty(t, l.Cards(""))
}
