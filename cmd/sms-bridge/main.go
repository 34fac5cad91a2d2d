package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/textly/smsbridge/internal/bridge"
	"github.com/textly/smsbridge/internal/config"
	"github.com/textly/smsbridge/internal/correlator"
	"github.com/textly/smsbridge/internal/gateway/factory"
	"github.com/textly/smsbridge/internal/httpapi"
	"github.com/textly/smsbridge/internal/kafka/consumer"
	"github.com/textly/smsbridge/internal/kafka/producer"
	kafkapublisher "github.com/textly/smsbridge/internal/kafka/publisher"
	"github.com/textly/smsbridge/internal/logger"
	"github.com/textly/smsbridge/internal/platform"
	"github.com/textly/smsbridge/internal/relay"
	"github.com/textly/smsbridge/internal/store"
	"github.com/textly/smsbridge/internal/subscription"
	"github.com/textly/smsbridge/internal/worker"
	smsvalidator "github.com/textly/smsbridge/internal/worker/validator/sms"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fail("config load", err)
	}

	baseLogger, err := logger.New(cfg.App.Env, cfg.App.LogLevel, "sms-bridge")
	if err != nil {
		fail("logger init", err)
	}
	log := *baseLogger

	st, err := store.Open(ctx, cfg.Store.DSN, logger.Component(log, "store"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open message store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close message store")
		}
	}()
	recorder := bridge.NewRecorder(st)
	sinks := []relay.Sink{recorder}
	checks := map[string]httpapi.Check{"store": st.Ping}

	var prod *producer.Producer
	if cfg.Kafka.Enabled {
		prod, err = producer.New(cfg.Kafka.Brokers, logger.Component(log, "kafka-producer"))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create kafka producer")
		}
		defer func() {
			if err := prod.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close kafka producer")
			}
		}()
		events := kafkapublisher.NewEventPublisher(prod, cfg.Kafka.EventsTopic, logger.Component(log, "event-publisher"))
		sinks = append(sinks, events)
		checks["kafka"] = func(context.Context) error {
			if !prod.IsReady() {
				return errors.New("kafka producer not ready")
			}
			return nil
		}
	}

	rel := relay.New(logger.Component(log, "relay"), sinks)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := rel.Close(closeCtx); err != nil {
			log.Error().Err(err).Msg("relay did not drain before shutdown")
		}
	}()

	device := platform.NewDevice(platform.Config{
		APILevel:           cfg.Platform.APILevel,
		PackageName:        cfg.Platform.PackageName,
		DefaultSmsPackage:  cfg.Platform.DefaultSmsPackage,
		Interactive:        cfg.Platform.Interactive,
		AutoAccept:         cfg.Platform.AutoAccept,
		GrantedPermissions: cfg.Platform.GrantedPermissions,
	}, logger.Component(log, "platform"))

	gw, err := factory.Gateway(cfg, log.With().Str("component", "gateway").Str("backend", cfg.Gateway.Backend).Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise gateway")
	}
	resolver := subscription.NewResolver(gw, logger.Component(log, "subscription"))

	corr, err := correlator.New(gw, resolver, device, rel, logger.Component(log, "correlator"),
		correlator.WithRetention(cfg.Correlator.RetentionWindow, cfg.Correlator.SweepInterval),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise correlator")
	}
	defer corr.Close()

	br, err := bridge.New(bridge.Dependencies{
		Gateway:    gw,
		Correlator: corr,
		Log:        st,
		Recorder:   recorder,
		Platform:   device,
		Logger:     log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise bridge")
	}
	br.Open()
	defer func() {
		if err := br.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close bridge")
		}
	}()

	apiDeps := httpapi.Dependencies{
		Commands: br,
		Log:      st,
		Events:   rel,
		Checks:   checks,
		Logger:   log,
	}
	if inj, ok := gw.(httpapi.InboundInjector); ok {
		apiDeps.Inbound = inj
	}
	router, err := httpapi.NewRouter(apiDeps)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build http router")
	}
	srv := &http.Server{
		Addr:         net.JoinHostPort("", strconv.Itoa(cfg.App.Port)),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // event stream responses stay open
		IdleTimeout:  60 * time.Second,
	}
	// event streams only end when their subscription closes
	srv.RegisterOnShutdown(rel.DetachSubscribers)

	errCh := make(chan error, 2)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	log.Info().Str("addr", srv.Addr).Str("gateway", cfg.Gateway.Backend).Msg("http server started")

	var engine *worker.Engine
	if cfg.Kafka.Enabled {
		cons, err := consumer.New(consumer.Config{
			Brokers:             cfg.Kafka.Brokers,
			GroupID:             cfg.Kafka.ConsumerGroup,
			CommitOnSuccessOnly: cfg.Kafka.CommitOnSuccessOnly,
		}, logger.Component(log, "kafka-consumer"))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create kafka consumer")
		}
		defer func() {
			if err := cons.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close kafka consumer")
			}
		}()

		engine, err = worker.NewEngine(worker.Config{
			MsgMaxBytes:  cfg.Worker.MsgMaxBytes,
			Concurrency:  cfg.Worker.Concurrency,
			DedupeWindow: cfg.Worker.DedupeWindow,
		}, worker.Dependencies{
			Sender:       br,
			Validator:    smsvalidator.New(cfg.Validation, logger.Component(log, "sms-validator")),
			DLQPublisher: kafkapublisher.NewDLQPublisher(prod, cfg.Kafka.DLQTopic, logger.Component(log, "dlq-publisher")),
			Logger:       log,
			Now:          time.Now,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialise worker engine")
		}

		go func() {
			err := cons.Consume(ctx, []string{cfg.Kafka.RequestTopic}, worker.KafkaHandler(engine, cons))
			if err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
			}
		}()
		log.Info().Str("request_topic", cfg.Kafka.RequestTopic).Msg("kafka request worker started")
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("bridge terminated with error")
	}

	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelHTTP()
	if err := srv.Shutdown(httpCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}
	if engine != nil {
		workerCtx, cancelWorker := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelWorker()
		if err := engine.Wait(workerCtx); err != nil {
			log.Error().Err(err).Msg("in-flight requests did not finish before shutdown")
		}
	}
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("sms bridge init failed")
}
