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

	"github.com/rs/zerolog"

	"taskbridge/internal/api"
	"taskbridge/internal/broker"
	"taskbridge/internal/clock"
	"taskbridge/internal/config"
	"taskbridge/internal/correlation"
	"taskbridge/internal/deadletter"
	"taskbridge/internal/dispatcher"
	"taskbridge/internal/listener"
	"taskbridge/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logger.New("info", "json", os.Stderr)
		boot.Fatal().Err(err).Msg("invalid configuration")
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	clk := clock.RealClock{}

	var dead *deadletter.Log
	if cfg.DeadLetterPath != "" {
		var err error
		dead, err = deadletter.Open(cfg.DeadLetterPath, cfg.DeadLetterSync)
		if err != nil {
			return err
		}
		defer dead.Close()

		count := 0
		skipped, err := deadletter.Replay(cfg.DeadLetterPath, func(deadletter.Record) { count++ })
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.DeadLetterPath).Msg("dead-letter log unreadable")
		}
		log.Info().
			Str("path", cfg.DeadLetterPath).
			Int("records", count).
			Int("skipped", skipped).
			Msg("dead-letter log opened")
	}

	dialer, err := newDialer(cfg)
	if err != nil {
		return err
	}
	client := broker.NewClient(dialer, broker.Options{
		Queues:        []string{cfg.TaskQueue, cfg.ResponseQueue},
		ReconnectBase: cfg.ReconnectBase,
		ReconnectMax:  cfg.ReconnectMax,
		OnPanic:       panicRecorder(dead, clk, log),
	}, logger.Component(log, "broker"))
	defer client.Close()

	mode := correlation.RetainUntilTTL
	if cfg.RetrievalMode == config.ModeConsumeOnRead {
		mode = correlation.ConsumeOnRead
	}
	table := correlation.NewTable(correlation.Options{
		Mode:        mode,
		TaskTimeout: cfg.TaskTimeout,
		Retention:   cfg.ResultRetention,
		MaxPending:  cfg.MaxPendingTasks,
	}, clk, logger.Component(log, "correlation"))

	var sink listener.DeadLetters
	if dead != nil {
		sink = dead
	}
	lst := listener.New(client, cfg.ResponseQueue, table, sink, clk, logger.Component(log, "listener"))
	if err := lst.Start(); err != nil {
		return fmt.Errorf("start listener: %w", err)
	}
	client.Start()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		correlation.NewReaper(table, cfg.ReaperInterval, logger.Component(log, "reaper")).Run(ctx)
	}()

	disp := dispatcher.New(client, table, dispatcher.Config{
		WorkQueue:      cfg.TaskQueue,
		ReplyQueue:     cfg.ResponseQueue,
		PublishTimeout: cfg.PublishTimeout,
	}, clk, logger.Component(log, "dispatcher"))

	router := api.NewRouter(api.Deps{
		Tasks:           disp,
		Table:           table,
		Broker:          client,
		MaxPayloadBytes: int64(cfg.MaxPayloadBytes),
		DeadLetterPath:  cfg.DeadLetterPath,
		Log:             logger.Component(log, "http"),
	})
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", cfg.ListenAddr).
			Str("driver", cfg.BrokerDriver).
			Str("mode", cfg.RetrievalMode).
			Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigs:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	stop()
	<-reaperDone
	if err := client.Close(); err != nil {
		log.Warn().Err(err).Msg("broker close failed")
	}
	log.Info().Interface("tasks", table.Stats()).Msg("shutdown complete")
	return nil
}

func newDialer(cfg config.Config) (broker.Dialer, error) {
	switch cfg.BrokerDriver {
	case config.DriverAMQP:
		return broker.AMQPDialer{
			URL:      cfg.BrokerURL,
			Name:     "taskbridge-" + cfg.InstanceID,
			Prefetch: cfg.Prefetch,
		}, nil
	case config.DriverRedis:
		return broker.RedisDialer{
			URL:        cfg.BrokerURL,
			InstanceID: cfg.InstanceID,
		}, nil
	case config.DriverMemory:
		return broker.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.BrokerDriver)
	}
}

// panicRecorder dead-letters deliveries whose handler panicked.
func panicRecorder(dead *deadletter.Log, clk clock.Clock, log zerolog.Logger) func(string, []byte, any) {
	if dead == nil {
		return nil
	}
	return func(queue string, body []byte, cause any) {
		err := dead.Write(deadletter.Record{
			Reason:    deadletter.Panicked,
			Queue:     queue,
			Body:      string(body),
			Error:     fmt.Sprint(cause),
			Timestamp: clk.Now(),
		})
		if err != nil {
			log.Error().Err(err).Msg("dead-letter write failed")
		}
	}
}
