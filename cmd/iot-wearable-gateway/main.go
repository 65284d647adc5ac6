package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/application"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/dispatch"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/gateway"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/identity"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/infrastructure/config"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/infrastructure/events"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/infrastructure/logging"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/infrastructure/presence"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/infrastructure/repositories/database"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/infrastructure/sms"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/infrastructure/stats"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/registry"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/smschannel"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/telemetry"
	"github.com/iot-for-tillgenglighet/messaging-golang/pkg/messaging"
	"github.com/juju/errors"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.NewLogger().Fatalf("failed to load configuration: %s", err.Error())
	}

	log := logging.NewLoggerWithLevel(cfg.LogLevel)
	log.Infof("Starting up %s ...", cfg.ServiceName)

	db, err := database.NewDatabaseConnection(database.NewConnector(cfg.Database, log), log)
	if err != nil {
		log.Fatalf("failed to connect to database: %s", errors.Details(err))
	}

	stat := stats.New()
	stats.Publish("gateway", stat)

	var publisher telemetry.Publisher
	if cfg.MessagingEnabled {
		messenger, err := messaging.Initialize(messaging.LoadConfiguration(cfg.ServiceName))
		if err != nil {
			log.Fatalf("failed to initialize messaging: %s", err.Error())
		}
		defer messenger.Close()
		publisher = events.NewPublisher(messenger)
	}

	var mirror registry.Presence
	if cfg.Redis.Addr != "" {
		r := presence.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.OnlineWindow)
		if err := r.Ping(context.Background()); err != nil {
			log.Warnf("presence mirror unavailable, continuing without it: %s", err.Error())
			_ = r.Close()
		} else {
			defer r.Close()
			mirror = r
		}
	}

	locks := telemetry.NewDeviceLocks()
	sink := telemetry.NewSink(db, telemetry.SinkOptions{
		Workers:   cfg.SinkWorkers,
		QueueSize: cfg.QueueSize,
		Locks:     locks,
		Publisher: publisher,
		Log:       log,
		Stat:      stat,
	})

	reg := registry.New(registry.Options{
		OnlineWindow: cfg.OnlineWindow,
		Presence:     mirror,
		Log:          log,
		Stat:         stat,
	})

	stream := gateway.NewServer(gateway.Options{
		Addr:               cfg.StreamAddr,
		ReadTimeout:        cfg.ReadTimeout,
		ReadLimit:          cfg.ReadLimit,
		RetainUnrecognized: cfg.RetainUnrecognized,
		Resolver:           identity.NewResolver(db),
		Registry:           reg,
		Sink:               sink,
		CommandLog:         db,
		Log:                log,
		Stat:               stat,
	})
	if err := stream.Listen(); err != nil {
		log.Fatalf("failed to start stream listener: %s", errors.Details(err))
	}

	adapter := smschannel.NewAdapter(db, sink, locks, log, stat)

	var transport sms.Transport
	switch cfg.SMS.Transport {
	case config.SMSTransportHTTP:
		transport = sms.NewHTTPProvider(cfg.SMS.ProviderURL, cfg.SMS.ProviderToken, cfg.SMS.Sender, cfg.DispatchTimeout)
	case config.SMSTransportMQTT:
		bridge, err := sms.NewMQTTBridge(sms.MQTTOptions{
			Broker:      cfg.SMS.MQTTBroker,
			ClientID:    cfg.SMS.MQTTClientID,
			Username:    cfg.SMS.MQTTUsername,
			Password:    cfg.SMS.MQTTPassword,
			TopicPrefix: cfg.SMS.MQTTTopicPrefix,
		}, log)
		if err != nil {
			log.Fatalf("failed to connect to sms bridge: %s", errors.Details(err))
		}
		defer bridge.Close()

		err = bridge.Subscribe(func(ctx context.Context, msg sms.Inbound) {
			if _, err := adapter.HandleInbound(ctx, msg); err != nil {
				log.Errorf("failed to handle inbound sms from %s: %s", msg.Phone, errors.Details(err))
			}
		})
		if err != nil {
			log.Fatalf("failed to subscribe to sms bridge: %s", errors.Details(err))
		}
		transport = bridge
	}

	dispatcher := dispatch.NewDispatcher(db, dispatch.Options{
		Transport:       transport,
		DefaultPassword: cfg.DefaultPassword,
		Timeout:         cfg.DispatchTimeout,
		Log:             log,
		Stat:            stat,
	})

	api := application.NewHTTPServer(log, cfg.ServicePort, db, application.Services{
		Status:     reg,
		Dispatcher: dispatcher,
		SMS:        adapter,
	})
	go func() {
		if err := api.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("api server failed: %s", err.Error())
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Infof("Shutting down %s ...", cfg.ServiceName)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = api.Shutdown(ctx)

	_ = stream.Close()
	reg.Close()
	sink.Close()
}
