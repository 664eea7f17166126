// Command orderflow runs the conversational ordering server: the websocket
// transport, the dialog router and the speech connector wired over a session
// store. Redis and MongoDB are optional; without them events stay in-process
// and sessions live in memory.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"

	agentsinmem "goa.design/orderflow/runtime/dialog/agents/inmem"
	"goa.design/orderflow/runtime/dialog/intent"
	"goa.design/orderflow/runtime/dialog/recovery"
	"goa.design/orderflow/runtime/dialog/router"
	"goa.design/orderflow/runtime/dialog/session"
	sessioninmem "goa.design/orderflow/runtime/dialog/session/inmem"
	"goa.design/orderflow/runtime/stream"
	"goa.design/orderflow/runtime/telemetry"
	"goa.design/orderflow/runtime/transport/ws"
	"goa.design/orderflow/runtime/voice/connector"
	sttinmem "goa.design/orderflow/runtime/voice/stt/inmem"

	anthropiccls "goa.design/orderflow/features/classifier/anthropic"
	openaicls "goa.design/orderflow/features/classifier/openai"
	sessionmongo "goa.design/orderflow/features/session/mongo"
	mongoclient "goa.design/orderflow/features/session/mongo/clients/mongo"
	pulsefeed "goa.design/orderflow/features/stream/pulse"
	pulseclient "goa.design/orderflow/features/stream/pulse/clients/pulse"
)

// shutdownGrace bounds how long shutdown waits for in-flight work.
const shutdownGrace = 10 * time.Second

// sweepingStore is a session store that can run its own expiry sweeper. Both
// the in-memory and the Mongo stores satisfy it.
type sweepingStore interface {
	session.Store
	RunSweeper(ctx context.Context, interval time.Duration)
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatalf(ctx, err, "orderflow exited")
	}
}

func run(ctx context.Context, cfg Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()
	tracer := telemetry.NewClueTracer()
	var pingers []health.Pinger

	// Session store: in-memory unless a Mongo URI is configured.
	var store sweepingStore
	if cfg.MongoURI != "" {
		mc, err := mongo.Connect(mongooptions.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return fmt.Errorf("connect mongo: %w", err)
		}
		defer disconnectMongo(ctx, mc)
		client, err := mongoclient.New(mongoclient.Options{Client: mc, Database: cfg.MongoDatabase})
		if err != nil {
			return fmt.Errorf("build mongo session client: %w", err)
		}
		durable, err := sessionmongo.NewStore(client, sessionmongo.Options{
			IdleTimeout: cfg.SessionTimeout,
			Logger:      logger,
			Metrics:     metrics,
		})
		if err != nil {
			return fmt.Errorf("build mongo session store: %w", err)
		}
		store = durable
		pingers = append(pingers, client)
		log.Print(ctx, log.KV{K: "session-store", V: "mongo"}, log.KV{K: "database", V: cfg.MongoDatabase})
	} else {
		store = sessioninmem.New(sessioninmem.Options{
			IdleTimeout: cfg.SessionTimeout,
			Logger:      logger,
			Metrics:     metrics,
		})
		log.Print(ctx, log.KV{K: "session-store", V: "inmem"})
	}

	// Optional Pulse event feed over Redis.
	var sink stream.Sink
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		pc, err := pulseclient.New(pulseclient.Options{Redis: rdb})
		if err != nil {
			return fmt.Errorf("build pulse client: %w", err)
		}
		feed, err := pulsefeed.NewSessionStreams(pulsefeed.SessionStreamsOptions{Client: pc})
		if err != nil {
			return fmt.Errorf("build session event feed: %w", err)
		}
		defer closeFeed(ctx, feed)
		sink = feed.Sink()
		pingers = append(pingers, redisPinger{rdb})
		log.Print(ctx, log.KV{K: "event-feed", V: "pulse"}, log.KV{K: "redis", V: cfg.RedisAddr})
	}

	classifier, err := buildClassifier(cfg)
	if err != nil {
		return err
	}
	log.Print(ctx, log.KV{K: "classifier", V: cfg.Classifier})

	recoverer, err := recovery.New(store, recovery.Options{Logger: logger, Metrics: metrics})
	if err != nil {
		return fmt.Errorf("build recovery engine: %w", err)
	}

	speech, err := connector.New(sttinmem.New(sttinmem.Options{}), connector.Options{
		Recoverer: recoverer,
		Logger:    logger,
		Metrics:   metrics,
		Tracer:    tracer,
	})
	if err != nil {
		return fmt.Errorf("build speech connector: %w", err)
	}

	rtr, err := router.New(store, classifier, router.Options{
		Agents:    agentsinmem.New(agentsinmem.Options{}).Bundle(),
		Recoverer: recoverer,
		Sink:      sink,
		Logger:    logger,
		Metrics:   metrics,
		Tracer:    tracer,
	})
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}

	handler, err := ws.NewHandler(rtr, ws.Adapt(speech), ws.Options{Logger: logger, Metrics: metrics})
	if err != nil {
		return fmt.Errorf("build transport handler: %w", err)
	}

	go store.RunSweeper(ctx, cfg.SweepInterval)

	mux := http.NewServeMux()
	debug.MountDebugLogEnabler(mux)
	mux.Handle("/ws", handler)
	mux.Handle("/healthz", health.Handler(health.NewChecker(pingers...)))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           log.HTTP(ctx)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Print(ctx, log.KV{K: "msg", V: "listening"}, log.KV{K: "addr", V: cfg.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
			return
		}
		errc <- nil
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigc)

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case sig := <-sigc:
		log.Print(ctx, log.KV{K: "msg", V: "shutting down"}, log.KV{K: "signal", V: sig.String()})
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	handler.Shutdown(shutdownCtx)
	speech.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-errc; err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	log.Print(ctx, log.KV{K: "msg", V: "stopped"})
	return nil
}

// buildClassifier selects the intent classifier. The rule-based classifier
// needs no credentials; the LLM classifiers read their API keys from the
// environment.
func buildClassifier(cfg Config) (intent.Classifier, error) {
	switch cfg.Classifier {
	case classifierOpenAI:
		cls, err := openaicls.NewFromAPIKey(os.Getenv("OPENAI_API_KEY"), cfg.Model)
		if err != nil {
			return nil, fmt.Errorf("build openai classifier: %w", err)
		}
		return cls, nil
	case classifierAnthropic:
		cls, err := anthropiccls.NewFromAPIKey(os.Getenv("ANTHROPIC_API_KEY"), cfg.Model)
		if err != nil {
			return nil, fmt.Errorf("build anthropic classifier: %w", err)
		}
		return cls, nil
	default:
		return intent.NewRules(), nil
	}
}

func disconnectMongo(ctx context.Context, mc *mongo.Client) {
	dctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := mc.Disconnect(dctx); err != nil {
		log.Errorf(ctx, err, "disconnect mongo")
	}
}

func closeFeed(ctx context.Context, feed *pulsefeed.SessionStreams) {
	cctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := feed.Close(cctx); err != nil {
		log.Errorf(ctx, err, "close session event feed")
	}
}

// redisPinger adapts the Redis client to the health checker.
type redisPinger struct {
	client *redis.Client
}

// Name implements health.Pinger.
func (p redisPinger) Name() string { return "redis" }

// Ping implements health.Pinger.
func (p redisPinger) Ping(ctx context.Context) error { return p.client.Ping(ctx).Err() }
