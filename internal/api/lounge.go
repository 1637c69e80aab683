package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/message-lounge/internal/config"
	"github.com/npezzotti/message-lounge/internal/database"
	"github.com/npezzotti/message-lounge/internal/server"
	"github.com/rs/zerolog"
)

type LoungeApp struct {
	log            zerolog.Logger
	db             database.LoungeRepository
	srv            *http.Server
	cs             *server.ChatServer
	signingKey     []byte
	allowedOrigins []string
}

func NewLoungeApp(mux *http.ServeMux, logger zerolog.Logger, cs *server.ChatServer, db database.LoungeRepository, cfg *config.Config) *LoungeApp {
	s := &LoungeApp{
		log:            logger.With().Str("component", "api").Logger(),
		db:             db,
		cs:             cs,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("POST /api/auth/signup", s.signUp)
	mux.HandleFunc("POST /api/auth/signin", s.signIn)
	mux.HandleFunc("GET /api/auth/session", s.authMiddleware(s.session))
	mux.HandleFunc("POST /api/auth/signout", s.signOut)
	mux.HandleFunc("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: s.errorHandler(s.logRequests(h)),
	}

	return s
}

func (s *LoungeApp) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("starting server")
	return s.srv.ListenAndServe()
}

func (s *LoungeApp) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
