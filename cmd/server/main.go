package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/npezzotti/message-lounge/internal/api"
	"github.com/npezzotti/message-lounge/internal/broker"
	"github.com/npezzotti/message-lounge/internal/config"
	"github.com/npezzotti/message-lounge/internal/database"
	"github.com/npezzotti/message-lounge/internal/server"
	"github.com/npezzotti/message-lounge/internal/stats"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "message-lounge").Logger()

	env, err := config.LoadEnv()
	if err != nil {
		logger.Fatal().Err(err).Msg("load env")
	}
	if env.SigningKey == "" {
		env.SigningKey = defaultSigningKey
	}

	var (
		addr           string
		dsn            string
		signingKey     string
		allowedOrigins stringSliceFlag
		brokerKind     string
		redisAddr      string
		natsURL        string
		logLevel       string
	)
	flag.StringVar(&addr, "addr", env.ServerAddr, "server address")
	flag.StringVar(&dsn, "dsn", env.DatabaseDSN, "database connection string")
	flag.StringVar(&signingKey, "signing-key", env.SigningKey, "base64 encoded signing key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.StringVar(&brokerKind, "broker", env.Broker, "cross-node broker: none, redis or nats")
	flag.StringVar(&redisAddr, "redis-addr", env.RedisAddr, "redis address used by the redis broker")
	flag.StringVar(&natsURL, "nats-url", env.NATSURL, "nats url used by the nats broker")
	flag.StringVar(&logLevel, "log-level", env.LogLevel, "log level")
	flag.Parse()

	if len(allowedOrigins) == 0 {
		allowedOrigins = env.AllowedOrigins
	}

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse log level")
	}
	logger = logger.Level(level)

	cfg, err := config.NewConfig(addr, dsn, signingKey, allowedOrigins)
	if err != nil {
		logger.Fatal().Err(err).Msg("config")
	}
	if err := cfg.WithBroker(brokerKind, redisAddr, natsURL); err != nil {
		logger.Fatal().Err(err).Msg("config")
	}

	if err := run(logger, cfg); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
	logger.Info().Msg("shutdown complete")
}

func run(logger zerolog.Logger, cfg *config.Config) error {
	dbConn, err := database.NewPgLoungeRepository(cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Error().Err(err).Msg("db close")
		}
	}()

	if err := dbConn.Migrate(); err != nil {
		return err
	}

	b, err := broker.New(cfg.Broker, logger)
	if err != nil {
		return err
	}
	// b is nil when no broker is configured
	var relay server.Relay
	if b != nil {
		relay = b
		defer b.Close()
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	chatServer, err := server.NewChatServer(logger, statsUpdater, relay)
	if err != nil {
		return err
	}

	srv := api.NewLoungeApp(mux, logger, chatServer, dbConn, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		chatServer.Run()
		return nil
	})

	if b != nil {
		g.Go(func() error {
			return b.Run(ctx, chatServer.Deliver)
		})
	}

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down")

		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutDownCtx); err != nil {
			logger.Error().Err(err).Msg("HTTP server shutdown")
		}
		if err := chatServer.Shutdown(shutDownCtx); err != nil {
			return err
		}
		return nil
	})

	return g.Wait()
}
