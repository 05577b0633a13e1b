package session

import (
	"context"
	"encoding/json"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/cardstream/pkg/cards"
	"github.com/go-go-golems/cardstream/pkg/cards/poller"
	"github.com/go-go-golems/cardstream/pkg/cards/router"
	"github.com/go-go-golems/cardstream/pkg/cards/state"
	"github.com/go-go-golems/cardstream/pkg/cards/stream"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu       sync.Mutex
	created  []CreateRequest
	updates  []cards.Data
	private  map[string][]cards.Data
	streams  []StreamRequest
	failStep int
	calls    int
}

func newFakeClient() *fakeClient {
	return &fakeClient{private: map[string][]cards.Data{}}
}

func (c *fakeClient) CreateCard(_ context.Context, req CreateRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created = append(c.created, req)
	return uuid.NewString(), nil
}

func (c *fakeClient) UpdateCard(_ context.Context, _ string, patch cards.Data, opts UpdateOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !opts.CardDataByKey {
		return errors.New("full replace requested")
	}
	c.updates = append(c.updates, patch.Clone())
	return nil
}

func (c *fakeClient) UpdatePrivateData(_ context.Context, _ string, userID string, patch cards.Data, opts UpdateOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !opts.PrivateDataByKey {
		return errors.New("full replace requested")
	}
	c.private[userID] = append(c.private[userID], patch.Clone())
	return nil
}

func (c *fakeClient) StreamUpdate(_ context.Context, req StreamRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.failStep > 0 && c.calls == c.failStep {
		return errors.New("card api unavailable")
	}
	c.streams = append(c.streams, req)
	return nil
}

func (c *fakeClient) streamCalls() []StreamRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]StreamRequest(nil), c.streams...)
}

func chunkGenerator(parts []string, failWith error) Generator {
	return GeneratorFunc(func(ctx context.Context, p Prompt) iter.Seq2[string, error] {
		return func(yield func(string, error) bool) {
			for _, part := range parts {
				if !yield(part, nil) {
					return
				}
			}
			if failWith != nil {
				yield("", failWith)
			}
		}
	})
}

type fixture struct {
	engine *Engine
	client *fakeClient
	router *router.Router
}

func newFixture(t *testing.T, gen Generator) *fixture {
	t.Helper()
	client := newFakeClient()
	e, err := NewEngine(Options{
		Client:    client,
		Generator: gen,
		Settings:  DefaultSettings(),
		Rand:      func(n int) int { return 0 },
		Now:       func() time.Time { return time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC) },
	})
	require.NoError(t, err)
	r, err := router.New()
	require.NoError(t, err)
	e.Register(r)
	return &fixture{engine: e, client: client, router: r}
}

func event(t *testing.T, topic, cardID string, data any) router.Event {
	t.Helper()
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		require.NoError(t, err)
		raw = b
	}
	return router.Event{ID: uuid.NewString(), Topic: topic, CardID: cardID, Data: raw}
}

func TestReplyWithAIStreamsIntoCard(t *testing.T) {
	parts := []string{strings.Repeat("a", 21), strings.Repeat("b", 21), strings.Repeat("c", 20)}
	f := newFixture(t, chunkGenerator(parts, nil))

	res, err := f.engine.ReplyWithAI(context.Background(), ChatMessage{ConversationID: "conv-1", SenderID: "u1", Text: "hi"})
	require.NoError(t, err)
	require.Equal(t, stream.StatusFinished, res.Status)
	require.Equal(t, strings.Join(parts, ""), res.Content)

	calls := f.client.streamCalls()
	require.Len(t, calls, 3)
	require.Len(t, calls[0].Content, 21)
	require.Len(t, calls[1].Content, 42)
	require.True(t, calls[2].IsFinalize)
	require.False(t, calls[2].IsError)
	require.Equal(t, res.Content, calls[2].Content)
	for _, c := range calls {
		require.Equal(t, "content", c.Key)
		require.True(t, c.IsFull)
	}

	require.Len(t, f.client.created, 1)
	require.Equal(t, TemplateAIReply, f.client.created[0].TemplateID)

	var cardID string
	for _, c := range calls {
		cardID = c.CardID
	}
	st, err := f.engine.Store().Get(context.Background(), cardID)
	require.NoError(t, err)
	require.Equal(t, res.Content, st.Public["content"].Str())
	require.Equal(t, "finished", st.Public["stream_status"].Str())
	require.Equal(t, uint64(3), st.Version)
}

func TestReplyWithAIFailureMarksCardFailed(t *testing.T) {
	f := newFixture(t, chunkGenerator([]string{"partial"}, errors.New("model unavailable")))

	res, err := f.engine.ReplyWithAI(context.Background(), ChatMessage{ConversationID: "conv-1", Text: "hi"})
	require.NoError(t, err)
	require.Equal(t, stream.StatusFailed, res.Status)

	calls := f.client.streamCalls()
	require.Len(t, calls, 1)
	require.True(t, calls[0].IsError)
	require.Equal(t, "partial", calls[0].Content)
}

func TestReplyWithAIStopsAfterFailedDelivery(t *testing.T) {
	parts := []string{strings.Repeat("a", 21), strings.Repeat("b", 21), strings.Repeat("c", 21)}
	f := newFixture(t, chunkGenerator(parts, nil))
	f.client.failStep = 2

	res, err := f.engine.ReplyWithAI(context.Background(), ChatMessage{ConversationID: "conv-1", Text: "hi"})
	require.NoError(t, err)
	require.Equal(t, stream.StatusFailed, res.Status)
	require.Len(t, f.client.streamCalls(), 1)
}

func TestChatMessageCommandsPickTheCard(t *testing.T) {
	f := newFixture(t, chunkGenerator([]string{"ok"}, nil))
	ctx := context.Background()

	for text, template := range map[string]string{
		"form":              TemplateForm,
		"chain lunch":       TemplateChain,
		"progress interval": TemplateProgress,
		"hello there":       TemplateAIReply,
	} {
		f.client.created = nil
		ack := f.router.Dispatch(ctx, event(t, router.TopicChatMessage, "", ChatMessage{ConversationID: "conv-1", Text: text}))
		require.Equal(t, router.StatusOK, ack.Status)
		require.Len(t, f.client.created, 1, text)
		require.Equal(t, template, f.client.created[0].TemplateID, text)
	}
}

func TestFormCallbackFlow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	cardID, err := f.engine.SendForm(ctx, "conv-1", "")
	require.NoError(t, err)

	submit := func() cards.Value {
		ack := f.router.Dispatch(ctx, event(t, router.TopicCardCallback, cardID, CardCallback{
			UserID: "u1",
			Params: map[string]cards.Value{"action": cards.String(ActionFormSubmit)},
		}))
		require.Equal(t, router.StatusOK, ack.Status)
		return ack.Payload
	}
	privateParam := func(payload cards.Value, key string) string {
		return payload.Get("userPrivateData").Get("cardParamMap").Get(key).Str()
	}

	payload := submit()
	require.Equal(t, "Please fill in the required fields: Required text, Required date, Required select",
		privateParam(payload, "err_msg"))
	require.True(t, payload.Get("cardUpdateOptions").Get("updateCardDataByKey").Bool())
	require.True(t, payload.Get("cardUpdateOptions").Get("updatePrivateDataByKey").Bool())

	updates := map[string]cards.Value{
		"text_required":   cards.String("because"),
		"date_required":   cards.String("2024-06-07"),
		"select_required": cards.Int(2),
	}
	for name, v := range updates {
		ack := f.router.Dispatch(ctx, event(t, router.TopicCardCallback, cardID, CardCallback{
			UserID: "u1",
			Params: map[string]cards.Value{"name": cards.String(name), "value": v},
		}))
		require.Equal(t, "", privateParam(ack.Payload, "err_msg"), name)
	}

	payload = submit()
	require.Equal(t, "", privateParam(payload, "err_msg"))
	require.Equal(t, "disabled", privateParam(payload, "form_status"))
	require.Equal(t, "Submitted", privateParam(payload, "button_text"))

	st, err := f.engine.Store().Get(ctx, cardID)
	require.NoError(t, err)
	require.True(t, st.UserForms["u1"].Submitted)
	require.Equal(t, "because", st.UserForms["u1"].Field("text_required").Value.Str())
	require.False(t, st.Form.Submitted)
	require.Equal(t, "disabled", st.PrivateFor("u1")["form_status"].Str())

	payload = submit()
	require.Equal(t, "form has already been submitted", privateParam(payload, "err_msg"))
}

func TestFormIsFilledPerUser(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	cardID, err := f.engine.SendForm(ctx, "conv-1", "")
	require.NoError(t, err)

	callback := func(user string, params map[string]cards.Value) cards.Value {
		ack := f.router.Dispatch(ctx, event(t, router.TopicCardCallback, cardID, CardCallback{UserID: user, Params: params}))
		require.Equal(t, router.StatusOK, ack.Status)
		return ack.Payload.Get("userPrivateData").Get("cardParamMap")
	}
	submit := map[string]cards.Value{"action": cards.String(ActionFormSubmit)}

	callback("u1", map[string]cards.Value{"name": cards.String("text_required"), "value": cards.String("mine")})
	callback("u1", map[string]cards.Value{"name": cards.String("date_required"), "value": cards.String("2024-06-07")})
	callback("u1", map[string]cards.Value{"name": cards.String("select_required"), "value": cards.Int(1)})
	require.Equal(t, "disabled", callback("u1", submit).Get("form_status").Str())

	// u2 sees an empty form, not u1's answers or submitted flag
	private := callback("u2", submit)
	require.Equal(t, "Please fill in the required fields: Required text, Required date, Required select",
		private.Get("err_msg").Str())
	require.True(t, private.Get("form_status").IsNull())

	callback("u2", map[string]cards.Value{"name": cards.String("text_required"), "value": cards.String("theirs")})

	st, err := f.engine.Store().Get(ctx, cardID)
	require.NoError(t, err)
	require.Len(t, st.UserForms, 2)
	require.Equal(t, "mine", st.UserForms["u1"].Field("text_required").Value.Str())
	require.Equal(t, "theirs", st.UserForms["u2"].Field("text_required").Value.Str())
	require.False(t, st.UserForms["u2"].Submitted)
	require.Equal(t, "", st.Form.Field("text_required").Value.Str())
	_, ok := st.PrivateFor("u2")["form_status"]
	require.False(t, ok)
}

func TestFormCallbackTypeMismatchIsReported(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	cardID, err := f.engine.SendForm(ctx, "conv-1", "")
	require.NoError(t, err)

	ack := f.router.Dispatch(ctx, event(t, router.TopicCardCallback, cardID, CardCallback{
		UserID: "u1",
		Params: map[string]cards.Value{
			"action": cards.String(ActionFormSubmit),
			"values": cards.Map(map[string]cards.Value{
				"text_required":   cards.String("x"),
				"date_required":   cards.String("yesterday"),
				"select_required": cards.Int(0),
			}),
		},
	}))
	msg := ack.Payload.Get("userPrivateData").Get("cardParamMap").Get("err_msg").Str()
	require.Contains(t, msg, "Invalid value for: Required date")
}

func TestConcurrentChainJoinsKeepEveryEntry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	cardID, err := f.engine.SendChain(ctx, "conv-1", "lunch")
	require.NoError(t, err)

	const users = 20
	var wg sync.WaitGroup
	errs := make(chan error, users)
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.HandleChainCallback(ctx, CardCallback{
				CardID: cardID,
				UserID: uuid.NewString(),
				Params: map[string]cards.Value{"nick": cards.String("n"), "remark": cards.String("r")},
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	st, err := f.engine.Store().Get(ctx, cardID)
	require.NoError(t, err)
	require.Len(t, st.Public["content"].Items(), users)
	require.Equal(t, uint64(users), st.Version)
	require.Len(t, f.client.updates, users)
	// deliveries happen under the card lock, so each one carries one more entry
	for i, u := range f.client.updates {
		require.Len(t, u["content"].Items(), i+1)
	}
}

func TestChainLeaveRemovesEntry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	cardID, err := f.engine.SendChain(ctx, "conv-1", "lunch")
	require.NoError(t, err)

	for _, uid := range []string{"u1", "u2"} {
		ack := f.router.Dispatch(ctx, event(t, router.TopicCardCallback, cardID, CardCallback{
			UserID: uid,
			Params: map[string]cards.Value{"nick": cards.String(uid)},
		}))
		require.Equal(t, router.StatusOK, ack.Status)
	}
	f.router.Dispatch(ctx, event(t, router.TopicCardCallback, cardID, CardCallback{
		UserID: "u1",
		Params: map[string]cards.Value{"delete_uid": cards.String("u1")},
	}))

	st, err := f.engine.Store().Get(ctx, cardID)
	require.NoError(t, err)
	items := st.Public["content"].Items()
	require.Len(t, items, 1)
	require.Equal(t, "u2", items[0].Get("uid").Str())
	require.Equal(t, "2024-03-05 14:07:09", items[0].Get("timestamp").Str())
	require.False(t, st.PrivateFor("u1")["joined"].Bool())
	require.True(t, st.PrivateFor("u2")["joined"].Bool())
	require.Equal(t, cards.KindBool, f.client.private["u1"][1]["joined"].Kind())
}

func TestProgressPollsUpdateState(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	cardID, err := f.engine.SendProgress(ctx, "conv-1", poller.PullConfig{Strategy: poller.StrategyInterval})
	require.NoError(t, err)

	req := f.client.created[0]
	require.Contains(t, req.DynamicData, DefaultDataSourceID)
	require.Equal(t, float64(100), req.Public["total"].Num(), "rand stub returns 0")

	ack := f.router.Dispatch(ctx, event(t, router.TopicDynamicDataRequest, cardID, nil))
	resp := ack.Payload.Get("dataSourceQueryResponses").Items()
	require.Len(t, resp, 1)
	require.Equal(t, DefaultDataSourceID, resp[0].Get("dynamicDataSourceId").Str())
	require.Equal(t, "OBJECT", resp[0].Get("dynamicDataValueType").Str())

	st, err := f.engine.Store().Get(ctx, cardID)
	require.NoError(t, err)
	require.Equal(t, float64(1), st.Public["finished"].Num())
	require.Equal(t, uint64(1), st.Version)
}

func TestCardExpiredForgetsPolling(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	cardID, err := f.engine.SendProgress(ctx, "conv-1", poller.PullConfig{Strategy: poller.StrategyRender})
	require.NoError(t, err)
	require.Equal(t, 1, f.engine.Poller().Len())

	ack := f.router.Dispatch(ctx, event(t, router.TopicCardExpired, cardID, nil))
	require.Equal(t, router.StatusOK, ack.Status)
	require.Equal(t, 0, f.engine.Poller().Len())
	require.Equal(t, 0, f.engine.Store().Len())

	_, err = f.engine.Store().Get(ctx, cardID)
	require.ErrorIs(t, err, state.ErrCardNotFound)

	ack = f.router.Dispatch(ctx, event(t, router.TopicDynamicDataRequest, cardID, nil))
	require.True(t, ack.Payload.IsNull())
}

func TestCallbackResponseShape(t *testing.T) {
	var p Patch
	p.SetPublic("title", cards.String("t"))
	p.SetPrivate("u1", "count", cards.Int(3))
	p.SetPrivate("u2", "other", cards.Bool(true))

	v, err := CallbackResponse(p, "u1")
	require.NoError(t, err)
	require.Equal(t, "t", v.Get("cardData").Get("cardParamMap").Get("title").Str())
	require.Equal(t, "3", v.Get("userPrivateData").Get("cardParamMap").Get("count").Str())
	require.True(t, v.Get("userPrivateData").Get("cardParamMap").Get("other").IsNull())
}

func TestSettingsDefaultsValidate(t *testing.T) {
	s := DefaultSettings()
	require.NoError(t, s.Validate())
	require.Equal(t, 20, s.StreamThreshold)
	require.Equal(t, 5*time.Second, s.FlushTimeout())

	s.SnapshotBackend = "etcd"
	require.Error(t, s.Validate())
}

func TestNewEngineRequiresClient(t *testing.T) {
	_, err := NewEngine(Options{Settings: DefaultSettings()})
	require.Error(t, err)
}
