// README: Entry point; loads config, wires storage, adapters and services, runs sweepers and the HTTP server.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	firebase "firebase.google.com/go/v4"
	"github.com/joho/godotenv"

	"mobility/internal/config"
	httptransport "mobility/internal/http"
	"mobility/internal/http/handlers"
	"mobility/internal/infra"
	"mobility/internal/logging"
	"mobility/internal/maps"
	"mobility/internal/modules/geo"
	"mobility/internal/modules/promotion"
	"mobility/internal/modules/rental"
	"mobility/internal/modules/reservation"
	"mobility/internal/modules/settlement"
	"mobility/internal/modules/unlock"
	"mobility/internal/modules/vehicle"
	"mobility/internal/notify"
	"mobility/internal/payments"
	"mobility/internal/storage/memory"
)

type stores struct {
	reservations reservation.Store
	rentals      rental.Store
	splits       settlement.Store
	zones        geo.ZoneSource
	zoneWriter   handlers.ZoneWriter
}

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("mobility-api stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	var app *firebase.App
	if cfg.Auth.Mode == "firebase" || cfg.Notify.Driver == "fcm" {
		a, err := infra.NewFirebaseApp(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
		if err != nil {
			return err
		}
		app = a
	}

	var verifier infra.TokenVerifier = infra.DevVerifier{}
	if cfg.Auth.Mode == "firebase" {
		v, err := infra.NewFirebaseVerifier(ctx, app)
		if err != nil {
			return err
		}
		verifier = v
	} else {
		logger.Warn("dev auth enabled; bearer tokens are trusted as uid[:role]")
	}

	st, closeStore, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	redisClient := infra.NewRedis(cfg.Redis.Addr, cfg.Redis.Password)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return err
	}
	directory := vehicle.NewDirectory(redisClient, "")
	promos := promotion.NewStore(redisClient)

	executor, closeExecutor, err := openPayments(cfg, logger)
	if err != nil {
		return err
	}
	defer closeExecutor()

	notifier, closeNotifier, err := openNotifier(ctx, cfg, app)
	if err != nil {
		return err
	}
	defer closeNotifier()

	var addresses rental.AddressResolver
	if cfg.Maps.APIKey != "" {
		a, err := maps.NewAddressService(cfg.Maps.APIKey, cfg.Maps.Language)
		if err != nil {
			return err
		}
		addresses = a
	}

	reservationSvc := reservation.NewService(st.reservations,
		reservation.Config{DefaultTTL: cfg.Policy.HoldTTL},
		reservation.Deps{Notifier: notifier, Logger: logger})
	rentalSvc := rental.NewService(st.rentals, rental.Deps{
		Notifier:   notifier,
		Logger:     logger,
		Promotions: promos,
		Payments:   executor,
		Addresses:  addresses,
	})
	unlockSvc := unlock.NewService(reservationSvc, st.rentals, directory,
		unlock.Config{MaxDistanceMeters: cfg.Policy.UnlockMaxDistanceMeters},
		unlock.Deps{Notifier: notifier, Logger: logger})
	settlementSvc := settlement.NewService(st.splits, rentalSvc,
		settlement.Config{TTL: cfg.Policy.SplitTTL},
		settlement.Deps{Notifier: notifier, Logger: logger, Payments: executor})

	go reservationSvc.RunExpirySweeper(ctx, cfg.Policy.SweepInterval)
	go settlementSvc.RunExpirySweeper(ctx, cfg.Policy.SweepInterval)

	router := httptransport.NewRouter(httptransport.RouterDeps{
		Logger:       logger,
		Verifier:     verifier,
		Reservations: reservationSvc,
		Unlock:       unlockSvc,
		Rentals:      rentalSvc,
		Settlement:   settlementSvc,
		Vehicles:     directory,
		Promotions:   promos,
		Zones:        st.zones,
		ZoneWriter:   st.zoneWriter,
		Currency:     cfg.Policy.Currency,
	})
	logger.Info("mobility-api starting",
		"store", cfg.Store.Driver, "payments", cfg.Payments.Driver, "notify", cfg.Notify.Driver, "auth", cfg.Auth.Mode)
	return httptransport.NewServer(cfg.HTTP.Addr, router, logger).Run(ctx)
}

func openStores(ctx context.Context, cfg config.Config) (stores, func(), error) {
	if cfg.Store.Driver == "memory" {
		mem := memory.New()
		zones := geo.NewZoneSet()
		return stores{
			reservations: mem.Reservations(),
			rentals:      mem.Rentals(),
			splits:       mem.Splits(),
			zones:        zones,
			zoneWriter:   zones,
		}, func() {}, nil
	}
	pool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		return stores{}, nil, err
	}
	zones := geo.NewStore(pool)
	return stores{
		reservations: reservation.NewPGStore(pool),
		rentals:      rental.NewPGStore(pool),
		splits:       settlement.NewPGStore(pool),
		zones:        zones,
		zoneWriter:   zones,
	}, pool.Close, nil
}

func openPayments(cfg config.Config, logger *slog.Logger) (payments.Executor, func(), error) {
	switch cfg.Payments.Driver {
	case "kafka":
		k := payments.NewKafkaEmitter(cfg.Payments.KafkaBrokers, cfg.Payments.KafkaTopic)
		return k, func() { _ = k.Close() }, nil
	case "stripe":
		return payments.NewStripeExecutor(cfg.Payments.StripeKey), func() {}, nil
	default:
		return payments.LogExecutor{Logger: logger}, func() {}, nil
	}
}

func openNotifier(ctx context.Context, cfg config.Config, app *firebase.App) (notify.Dispatcher, func(), error) {
	switch cfg.Notify.Driver {
	case "amqp":
		p, err := notify.NewAMQPPublisher(cfg.Notify.AMQPURL, cfg.Notify.AMQPQueue)
		if err != nil {
			return nil, nil, err
		}
		return p, func() { _ = p.Close() }, nil
	case "fcm":
		d, err := notify.NewFCMDispatcher(ctx, app)
		if err != nil {
			return nil, nil, err
		}
		return d, func() {}, nil
	default:
		return notify.Nop{}, func() {}, nil
	}
}
