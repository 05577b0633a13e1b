package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-go-golems/cardstream/pkg/cardclient"
	"github.com/go-go-golems/cardstream/pkg/cards/form"
	"github.com/go-go-golems/cardstream/pkg/cards/poller"
	"github.com/go-go-golems/cardstream/pkg/cards/router"
	"github.com/go-go-golems/cardstream/pkg/cards/session"
	"github.com/go-go-golems/cardstream/pkg/cards/state"
	"github.com/go-go-golems/cardstream/pkg/gateway"
	"github.com/go-go-golems/cardstream/pkg/generation"
	"github.com/go-go-golems/cardstream/pkg/persistence/cardstore"
	"github.com/go-go-golems/cardstream/pkg/redisstream"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	GeneratorEcho   = "echo"
	GeneratorEvents = "events"
)

type ServeCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*ServeCommand)(nil)

type ServeSettings struct {
	Addr           string `glazed:"addr"`
	Generator      string `glazed:"generator"`
	EchoDelayMs    int    `glazed:"echo-delay-ms"`
	EchoResponder  bool   `glazed:"echo-responder"`
	WSIdleSeconds  int    `glazed:"ws-idle-seconds"`
	Verbose        bool   `glazed:"verbose"`
	ShutdownTimeMs int    `glazed:"shutdown-timeout-ms"`

	ReplyIdleSeconds     int    `glazed:"reply-idle-seconds"`
	NoticeConversationID string `glazed:"notice-conversation-id"`
}

func NewServeCommand() (*ServeCommand, error) {
	redisSection, err := redisstream.NewSection()
	if err != nil {
		return nil, errors.Wrap(err, "build redis section")
	}
	cardsSection, err := session.NewSettingsSection()
	if err != nil {
		return nil, errors.Wrap(err, "build cards section")
	}

	desc := cmds.NewCommandDescription(
		"serve",
		cmds.WithShort("Run the card session engine behind the gateway event stream"),
		cmds.WithFlags(
			fields.New("addr", fields.TypeString, fields.WithDefault(":8080"), fields.WithHelp("HTTP listen address")),
			fields.New("generator", fields.TypeString, fields.WithDefault(GeneratorEcho),
				fields.WithHelp("Reply generator: echo (in-process) or events (inference events over the event router)")),
			fields.New("echo-delay-ms", fields.TypeInteger, fields.WithDefault(50), fields.WithHelp("Delay between echoed words")),
			fields.New("echo-responder", fields.TypeBool, fields.WithDefault(false),
				fields.WithHelp("With --generator events, answer prompts in-process with the echo responder")),
			fields.New("reply-idle-seconds", fields.TypeInteger, fields.WithDefault(120),
				fields.WithHelp("With --generator events, fail a reply when no inference event arrives for this long (0 disables)")),
			fields.New("notice-conversation-id", fields.TypeString, fields.WithDefault("notices"),
				fields.WithHelp("Conversation of notice cards whose request names none")),
			fields.New("ws-idle-seconds", fields.TypeInteger, fields.WithDefault(300), fields.WithHelp("Drop websocket pools idle for this long")),
			fields.New("verbose", fields.TypeBool, fields.WithDefault(false), fields.WithHelp("Verbose event router logging")),
			fields.New("shutdown-timeout-ms", fields.TypeInteger, fields.WithDefault(5000), fields.WithHelp("Graceful HTTP shutdown timeout")),
			fields.New("log-level", fields.TypeString, fields.WithHelp("Global log level (trace, debug, info, warn, error)"), fields.WithDefault("")),
			fields.New("with-caller", fields.TypeBool, fields.WithHelp("Include caller (file:line) in logs"), fields.WithDefault(false)),
		),
		cmds.WithSections(redisSection, cardsSection),
	)
	return &ServeCommand{CommandDescription: desc}, nil
}

func (c *ServeCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, _ io.Writer) error {
	s := &ServeSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "init serve settings")
	}
	cs := session.DefaultSettings()
	if err := parsed.DecodeSectionInto(session.SettingsSlug, &cs); err != nil {
		return errors.Wrap(err, "init cards settings")
	}
	if err := cs.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := redisstream.NewBackendFromValues(parsed, s.Verbose)
	if err != nil {
		return err
	}
	defer func() { _ = backend.Close() }()
	rs := backend.Settings()
	if err := backend.EnsureTopics(ctx, gateway.DefaultInboundTopic, generation.DefaultPromptTopic); err != nil {
		return err
	}

	snapshots, closeSnapshots, err := openSnapshots(cs, rs)
	if err != nil {
		return err
	}
	defer closeSnapshots()

	var storeOpts []state.Option
	if snapshots != nil {
		storeOpts = append(storeOpts, state.WithSnapshotStore(snapshots))
	}
	store := state.NewStore(storeOpts...)
	store.SetEvictionConfig(cs.EvictIdle(), cs.EvictInterval())

	var catalog *form.Catalog
	if cs.FormsFile != "" {
		catalog, err = form.LoadCatalog(cs.FormsFile)
		if err != nil {
			return err
		}
		log.Info().Str("file", cs.FormsFile).Strs("forms", catalog.Names()).Msg("form catalog loaded")
	}

	client := cardclient.NewLoopback(time.Duration(s.WSIdleSeconds) * time.Second)
	store.OnEvict(client.Forget)
	generator, err := buildGenerator(s, backend)
	if err != nil {
		return err
	}

	engine, err := session.NewEngine(session.Options{
		Store:     store,
		Poller:    poller.New(),
		Client:    client,
		Generator: generator,
		Forms:     catalog,
		Settings:  cs,
	})
	if err != nil {
		return err
	}
	dispatcher, err := router.New(router.WithDedup(cs.DedupSize, router.DefaultDedupTTL))
	if err != nil {
		return err
	}
	engine.Register(dispatcher)

	gw, err := gateway.New(dispatcher, backend.Publisher(), gateway.Options{})
	if err != nil {
		return err
	}
	er := backend.EventRouter()
	gw.Register(er)
	if err := registerResponder(s, backend); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", cardclient.NewWSHandler(client, websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}))
	mux.HandleFunc("/api/cards", cardclient.NewCardHTTPHandler(client, store))
	mux.HandleFunc("/api/cards/", cardclient.NewCardHTTPHandler(client, store))
	mux.HandleFunc("/api/events", eventsHandler(gw))
	notices := cardclient.NewNoticeHandler(engine, s.NoticeConversationID)
	mux.HandleFunc("/notice/"+cardclient.NoticeNewCourse, notices)
	mux.HandleFunc("/notice/"+cardclient.NoticeLiveBeginning, notices)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "cards": store.Len(), "topics": dispatcher.Topics()})
	})
	srv := &http.Server{Addr: s.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	store.StartEvictionLoop(ctx)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info().Bool("redis", rs.Enabled).Msg("starting event router")
		return er.Run(ctx)
	})
	eg.Go(func() error {
		return gw.Run(ctx)
	})
	eg.Go(func() error {
		log.Info().Str("addr", s.Addr).Msg("cardstream listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(s.ShutdownTimeMs)*time.Millisecond)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}

func openSnapshots(cs session.Settings, rs redisstream.Settings) (state.SnapshotStore, func(), error) {
	switch cs.SnapshotBackend {
	case session.SnapshotSQLite:
		dsn, err := cardstore.SQLiteDSNForFile(cs.SQLiteDSN)
		if err != nil {
			return nil, nil, err
		}
		st, err := cardstore.NewSQLiteStore(dsn)
		if err != nil {
			return nil, nil, errors.Wrap(err, "open sqlite card store")
		}
		return st, func() { _ = st.Close() }, nil
	case session.SnapshotRedis:
		client := redisstream.NewClient(rs)
		st, err := cardstore.NewRedisStore(client, "", cs.SnapshotTTL())
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return st, func() { _ = client.Close() }, nil
	default:
		return nil, func() {}, nil
	}
}

func buildGenerator(s *ServeSettings, backend *redisstream.Backend) (session.Generator, error) {
	switch s.Generator {
	case GeneratorEcho, "":
		return generation.Echo{Delay: time.Duration(s.EchoDelayMs) * time.Millisecond}, nil
	case GeneratorEvents:
		sub, err := backend.InferenceSubscriber()
		if err != nil {
			return nil, err
		}
		return generation.NewEventStreamGenerator(backend.Publisher(), sub, "", "",
			generation.WithIdleTimeout(time.Duration(s.ReplyIdleSeconds)*time.Second))
	default:
		return nil, errors.Errorf("unknown generator %q (echo, events)", s.Generator)
	}
}

func registerResponder(s *ServeSettings, backend *redisstream.Backend) error {
	if s.Generator != GeneratorEvents || !s.EchoResponder {
		return nil
	}
	responder := &generation.Responder{
		Publisher: backend.Publisher(),
		Source:    generation.Echo{Delay: time.Duration(s.EchoDelayMs) * time.Millisecond},
	}
	return backend.AddGroupHandler("echo-responder", generation.DefaultPromptTopic, "responders", responder.Handle)
}

// eventsHandler accepts one gateway event over HTTP and answers with its ack.
func eventsHandler(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var ev router.Event
		if err := json.NewDecoder(req.Body).Decode(&ev); err != nil {
			http.Error(w, "bad event", http.StatusBadRequest)
			return
		}
		ack, err := gw.Submit(req.Context(), ev)
		if err != nil {
			http.Error(w, err.Error(), http.StatusGatewayTimeout)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ack)
	}
}
