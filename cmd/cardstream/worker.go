package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/cardstream/pkg/generation"
	"github.com/go-go-golems/cardstream/pkg/redisstream"
	"github.com/go-go-golems/geppetto/pkg/inference/engine"
	"github.com/go-go-golems/geppetto/pkg/inference/engine/factory"
	"github.com/go-go-golems/geppetto/pkg/inference/middleware"
	"github.com/go-go-golems/geppetto/pkg/inference/toolloop/enginebuilder"
	geppettosections "github.com/go-go-golems/geppetto/pkg/sections"
	"github.com/go-go-golems/geppetto/pkg/turns"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const defaultSystemPrompt = "You are a helpful assistant in a group chat. Answer in a short and concise manner."

// WorkerCommand answers reply prompts with real inference and publishes the
// inference events the serve command's events generator streams into cards.
type WorkerCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*WorkerCommand)(nil)

type WorkerSettings struct {
	SystemPrompt string `glazed:"system-prompt"`
	Concurrency  int    `glazed:"concurrency"`
	WithLogging  bool   `glazed:"with-logging"`
	Verbose      bool   `glazed:"verbose"`
}

func NewWorkerCommand() (*WorkerCommand, error) {
	geSections, err := geppettosections.CreateGeppettoSections()
	if err != nil {
		return nil, errors.Wrap(err, "create geppetto sections")
	}
	redisSection, err := redisstream.NewSection()
	if err != nil {
		return nil, errors.Wrap(err, "build redis section")
	}

	desc := cmds.NewCommandDescription(
		"infer-worker",
		cmds.WithShort("Run inference for AI reply prompts and publish the event stream"),
		cmds.WithFlags(
			fields.New("system-prompt", fields.TypeString, fields.WithDefault(defaultSystemPrompt), fields.WithHelp("System prompt of every reply")),
			fields.New("concurrency", fields.TypeInteger, fields.WithDefault(4), fields.WithHelp("Prompts answered at the same time")),
			fields.New("with-logging", fields.TypeBool, fields.WithDefault(false), fields.WithHelp("Enable turn logging middleware")),
			fields.New("verbose", fields.TypeBool, fields.WithDefault(false), fields.WithHelp("Verbose event router logging")),
			fields.New("log-level", fields.TypeString, fields.WithHelp("Global log level (trace, debug, info, warn, error)"), fields.WithDefault("")),
			fields.New("with-caller", fields.TypeBool, fields.WithHelp("Include caller (file:line) in logs"), fields.WithDefault(false)),
		),
		cmds.WithSections(append(geSections, redisSection)...),
	)
	return &WorkerCommand{CommandDescription: desc}, nil
}

func (c *WorkerCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, _ io.Writer) error {
	s := &WorkerSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "init worker settings")
	}
	if s.Concurrency <= 0 {
		s.Concurrency = 1
	}

	eng, err := factory.NewEngineFromParsedValues(parsed)
	if err != nil {
		return errors.Wrap(err, "create engine")
	}

	backend, err := redisstream.NewBackendFromValues(parsed, s.Verbose)
	if err != nil {
		return err
	}
	defer func() { _ = backend.Close() }()
	if !backend.Settings().Enabled {
		log.Warn().Str("component", "worker").Msg("redis disabled; the worker only sees prompts published in this process")
	}
	if err := backend.EnsureTopics(ctx, generation.DefaultPromptTopic); err != nil {
		return err
	}

	w := &inferenceWorker{
		engine:       eng,
		publisher:    backend.Publisher(),
		systemPrompt: s.SystemPrompt,
		withLogging:  s.WithLogging,
		slots:        make(chan struct{}, s.Concurrency),
	}

	if err := backend.AddGroupHandler("infer-worker", generation.DefaultPromptTopic, "infer-workers", w.handle(ctx)); err != nil {
		return err
	}
	er := backend.EventRouter()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info().Str("component", "worker").Str("topic", generation.DefaultPromptTopic).Msg("waiting for prompts")
		return er.Run(ctx)
	})
	if err := eg.Wait(); err != nil {
		return err
	}
	_ = w.inflight.Wait()
	return nil
}

type inferenceWorker struct {
	engine       engine.Engine
	publisher    message.Publisher
	systemPrompt string
	withLogging  bool

	slots    chan struct{}
	inflight errgroup.Group
}

func (w *inferenceWorker) handle(ctx context.Context) func(*message.Message) error {
	return func(msg *message.Message) error {
		msg.Ack()
		var p generation.PromptMessage
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			log.Warn().Err(err).Str("component", "worker").Msg("dropping undecodable prompt")
			return nil
		}
		select {
		case w.slots <- struct{}{}:
		case <-ctx.Done():
			return nil
		}
		w.inflight.Go(func() error {
			defer func() { <-w.slots }()
			if err := w.run(ctx, p); err != nil {
				log.Error().Err(err).Str("component", "worker").Str("session_id", p.SessionID).Msg("inference failed")
			}
			return nil
		})
		return nil
	}
}

// run answers one prompt. Events are published under the prompt's session id
// so the requesting generator can pick them out of the shared topic.
func (w *inferenceWorker) run(ctx context.Context, p generation.PromptMessage) error {
	sink := middleware.NewWatermillSink(w.publisher, generation.DefaultEventsTopic)
	var mws []middleware.Middleware
	if w.withLogging {
		mws = append(mws, middleware.NewTurnLoggingMiddleware(log.Logger))
	}

	seed := turns.NewTurnBuilder().
		WithSystemPrompt(w.systemPrompt).
		WithUserPrompt(p.Text).
		Build()
	if err := turns.KeyTurnMetaSessionID.Set(&seed.Metadata, p.SessionID); err != nil {
		return errors.Wrap(err, "set session id metadata")
	}

	runner, err := enginebuilder.New(
		enginebuilder.WithBase(w.engine),
		enginebuilder.WithMiddlewares(mws...),
		enginebuilder.WithEventSinks(sink),
	).Build(ctx, p.SessionID)
	if err != nil {
		return errors.Wrap(err, "build runner")
	}
	log.Debug().Str("component", "worker").Str("session_id", p.SessionID).Str("conversation_id", p.ConversationID).Msg("running inference")
	_, err = runner.RunInference(ctx, seed)
	return err
}
