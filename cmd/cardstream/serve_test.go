package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-go-golems/cardstream/pkg/cards"
	"github.com/go-go-golems/cardstream/pkg/cards/router"
	"github.com/go-go-golems/cardstream/pkg/cards/session"
	"github.com/go-go-golems/cardstream/pkg/cmds"
	"github.com/go-go-golems/cardstream/pkg/gateway"
	"github.com/go-go-golems/cardstream/pkg/generation"
	"github.com/go-go-golems/cardstream/pkg/redisstream"
	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T) *gateway.Gateway {
	t.Helper()
	dispatcher, err := router.New()
	require.NoError(t, err)
	dispatcher.RegisterFunc("ping", func(context.Context, router.Event) (cards.Value, error) {
		return cards.String("pong"), nil
	})
	gw, err := gateway.New(dispatcher, nil, gateway.Options{})
	require.NoError(t, err)
	return gw
}

func TestEventsHandlerReturnsAck(t *testing.T) {
	h := eventsHandler(newTestGateway(t))

	req := httptest.NewRequest(http.MethodPost, "/api/events", strings.NewReader(`{"id":"e1","topic":"ping"}`))
	rec := httptest.NewRecorder()
	h(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var ack struct {
		Status  int    `json:"status"`
		Payload string `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	require.Equal(t, router.StatusOK, ack.Status)
	require.Equal(t, "pong", ack.Payload)
}

func TestEventsHandlerRejectsBadRequests(t *testing.T) {
	h := eventsHandler(newTestGateway(t))

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/api/events", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/api/events", strings.NewReader("{")))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBuildGenerator(t *testing.T) {
	backend, err := redisstream.NewBackend(redisstream.Settings{}, false)
	require.NoError(t, err)
	defer func() { _ = backend.Close() }()

	g, err := buildGenerator(&ServeSettings{Generator: GeneratorEcho}, backend)
	require.NoError(t, err)
	require.IsType(t, generation.Echo{}, g)

	g, err = buildGenerator(&ServeSettings{Generator: GeneratorEvents}, backend)
	require.NoError(t, err)
	require.IsType(t, &generation.EventStreamGenerator{}, g)

	_, err = buildGenerator(&ServeSettings{Generator: "bogus"}, backend)
	require.Error(t, err)
}

func TestOpenSnapshots(t *testing.T) {
	cs := session.DefaultSettings()
	st, closeFn, err := openSnapshots(cs, redisstream.DefaultSettings())
	require.NoError(t, err)
	require.Nil(t, st)
	closeFn()

	cs.SnapshotBackend = session.SnapshotSQLite
	cs.SQLiteDSN = t.TempDir() + "/cards.db"
	st, closeFn, err = openSnapshots(cs, redisstream.DefaultSettings())
	require.NoError(t, err)
	require.NotNil(t, st)
	closeFn()
}

func TestCommandsBuild(t *testing.T) {
	serve, err := NewServeCommand()
	require.NoError(t, err)
	require.Equal(t, "serve", serve.Name)

	worker, err := NewWorkerCommand()
	require.NoError(t, err)
	require.Equal(t, "infer-worker", worker.Name)

	serveCmd, err := cmds.BuildCobraCommandWithGeppettoMiddlewares(serve)
	require.NoError(t, err)
	require.NotNil(t, serveCmd.Flags().Lookup("reply-idle-seconds"))
	require.NotNil(t, serveCmd.Flags().Lookup("profile"))

	workerCmd, err := cmds.BuildCobraCommandWithGeppettoMiddlewares(worker)
	require.NoError(t, err)
	require.NotNil(t, workerCmd.Flags().Lookup("redis-addr"))
	require.NotNil(t, workerCmd.Flags().Lookup("profile"))
}
