// Command demo serves a small traced runnable over HTTP.
//
// The runnable splits its input text into words, streams each word back as
// an AI message chunk from a nested chat model run and returns the complete
// message. Every run is observable through /stream_log and /stream_events.
//
// # Configuration
//
// Environment variables:
//
//	RUNTRACE_ADDR    - HTTP listen address (default: ":8080")
//	RUNTRACE_DEBUG   - Enable debug logs when set to "true"
//	REDIS_URL        - Redis address; enables the Pulse event mirror (optional)
//	REDIS_PASSWORD   - Redis password (optional)
//	STREAM_MAX_LEN   - Maximum entries kept per mirrored run (default: 1000)
//
// # Example
//
//	REDIS_URL=localhost:6379 go run ./cmd/demo
//	curl -N -d '{"input":"hello world"}' localhost:8080/stream_events
//	curl localhost:8080/healthz
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/health"
	"goa.design/clue/log"

	pulsestream "goa.design/runtrace/features/stream/pulse"
	clientspulse "goa.design/runtrace/features/stream/pulse/clients/pulse"
	"goa.design/runtrace/runtime/remote/server"
	"goa.design/runtrace/runtime/run"
	"goa.design/runtrace/runtime/schema"
	"goa.design/runtrace/runtime/telemetry"
	"goa.design/runtrace/runtime/tracing"
)

const inputSchema = `{"type": ["string", "object"]}`

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if envOr("RUNTRACE_DEBUG", "") == "true" {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	if err := serve(ctx); err != nil {
		log.Fatal(ctx, err)
	}
}

func serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := envOr("RUNTRACE_ADDR", ":8080")
	logger := telemetry.NewClueLogger()
	var pingers []health.Pinger
	opts := []server.Option{
		server.WithInputSchema([]byte(inputSchema)),
		server.WithLogger(logger),
		server.WithMetrics(telemetry.NewClueMetrics()),
	}

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     redisURL,
			Password: os.Getenv("REDIS_PASSWORD"),
		})
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Errorf(ctx, err, "close redis")
			}
		}()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		client, err := clientspulse.New(clientspulse.Options{
			Redis:            rdb,
			StreamMaxLen:     envIntOr("STREAM_MAX_LEN", 1000),
			OperationTimeout: 5 * time.Second,
		})
		if err != nil {
			return err
		}
		streams, err := pulsestream.NewRuntimeStreams(pulsestream.RuntimeStreamsOptions{Client: client})
		if err != nil {
			return err
		}
		defer func() {
			if err := streams.Close(context.Background()); err != nil {
				log.Errorf(ctx, err, "close pulse streams")
			}
		}()
		pingers = append(pingers, redisPinger{rdb})
		opts = append(opts, server.WithMirror(streams.Sink()))
		log.Print(ctx, log.KV{K: "mirror", V: redisURL})
	}

	srv, err := server.New(server.RunnableFunc{RunName: "words", Fn: words}, opts...)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", health.Handler(health.NewChecker(pingers...)))
	mux.Handle("/", srv)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		log.Print(ctx, log.KV{K: "http-addr", V: addr})
		errc <- httpServer.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	log.Printf(ctx, "shutting down")
	return httpServer.Shutdown(shutdownCtx)
}

// redisPinger reports the health of the mirror connection.
type redisPinger struct {
	rdb *redis.Client
}

func (redisPinger) Name() string { return "redis" }

func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }

// words streams the words of the input through a nested chat model run.
func words(ctx context.Context, input any, scope *tracing.Scope) (any, error) {
	text := inputText(input)
	split, err := scope.Child(ctx, tracing.StartInfo{Kind: run.KindTool, Name: "split", Inputs: text, HasInputs: true})
	if err != nil {
		return nil, err
	}
	parts := strings.Fields(text)
	if err := split.End(ctx, parts); err != nil {
		return nil, err
	}
	model, err := scope.Child(ctx, tracing.StartInfo{
		Kind:      run.KindChatModel,
		Name:      "echo-model",
		Tags:      []string{"demo"},
		Inputs:    []any{schema.Message{Type: schema.TypeHuman, Content: text}},
		HasInputs: true,
	})
	if err != nil {
		return nil, err
	}
	for i, word := range parts {
		if i > 0 {
			word = " " + word
		}
		if err := model.Token(ctx, word); err != nil {
			_ = model.Fail(ctx, err)
			return nil, err
		}
		if err := scope.Stream(ctx, schema.Message{Type: schema.TypeAI, Chunk: true, Content: word}); err != nil {
			return nil, err
		}
	}
	out := schema.Message{Type: schema.TypeAI, Content: strings.Join(parts, " ")}
	if err := model.End(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func inputText(input any) string {
	switch v := input.(type) {
	case string:
		return v
	case schema.Message:
		if s, ok := v.Content.(string); ok {
			return s
		}
	case map[string]any:
		if s, ok := v["text"].(string); ok {
			return s
		}
	}
	return fmt.Sprint(input)
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
