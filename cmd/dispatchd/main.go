// Command dispatchd runs a dispatch node: the HTTP API, the DWP websocket
// transport and, when peers are configured, event federation.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"

	dispatch "github.com/taskhub/dispatch"
	"github.com/taskhub/dispatch/api"
	"github.com/taskhub/dispatch/auth"
	"github.com/taskhub/dispatch/billing"
	"github.com/taskhub/dispatch/dwp"
	"github.com/taskhub/dispatch/engine"
	"github.com/taskhub/dispatch/store/memory"
	"github.com/taskhub/dispatch/store/postgres"
	"github.com/taskhub/dispatch/store/redis"
)

type args struct {
	Addr     string `arg:"env:DISPATCH_ADDR" default:":8080" help:"listen address"`
	LogLevel string `arg:"env:DISPATCH_LOG_LEVEL" default:"info" help:"debug, info, warn or error"`

	PostgresURL      string `arg:"env:DISPATCH_POSTGRES_URL" help:"request store; in-memory when empty"`
	PostgresMaxConns int32  `arg:"env:DISPATCH_POSTGRES_MAX_CONNS" default:"16"`
	RedisURL         string `arg:"env:DISPATCH_REDIS_URL" help:"availability store; in-memory when empty"`
	RedisKeyPrefix   string `arg:"env:DISPATCH_REDIS_KEY_PREFIX" default:"dispatch:"`

	SQSQueueURL string `arg:"env:DISPATCH_SQS_QUEUE_URL" help:"billing queue; billing is off when empty"`
	AWSRegion   string `arg:"env:AWS_REGION" default:"us-east-1"`
	AWSEndpoint string `arg:"env:DISPATCH_AWS_ENDPOINT" help:"custom endpoint, e.g. localstack"`

	APIKeys   []string `arg:"--api-key,env:DISPATCH_API_KEYS" help:"token=subject:scope|scope"`
	JWTSecret string   `arg:"env:DISPATCH_JWT_SECRET"`
	JWTIssuer string   `arg:"env:DISPATCH_JWT_ISSUER"`

	NodeID    string   `arg:"env:DISPATCH_NODE_ID" help:"federation node id"`
	NodeToken string   `arg:"env:DISPATCH_NODE_TOKEN" help:"token this node presents to peers"`
	Peers     []string `arg:"--peer,env:DISPATCH_PEERS" help:"id=ws://host/dwp"`

	OfferTTL      time.Duration `arg:"env:DISPATCH_OFFER_TTL" default:"30s"`
	MaxFanout     int           `arg:"env:DISPATCH_MAX_FANOUT" default:"20"`
	MaxRadiusKm   float64       `arg:"env:DISPATCH_MAX_RADIUS_KM" default:"50"`
	MaxExpansions int           `arg:"env:DISPATCH_MAX_EXPANSIONS" default:"1"`
	HeartbeatTTL  time.Duration `arg:"env:DISPATCH_HEARTBEAT_TTL" default:"60s"`
	HTTPTimeout   time.Duration `arg:"env:DISPATCH_HTTP_TIMEOUT" default:"30s"`

	WSIdleTimeout       time.Duration `arg:"env:DISPATCH_WS_IDLE_TIMEOUT" default:"2m" help:"close silent websockets; 0 disables"`
	OfflineOnDisconnect bool          `arg:"env:DISPATCH_OFFLINE_ON_DISCONNECT" help:"take doers offline when their last websocket closes"`
}

func (args) Description() string {
	return "dispatchd matches instant service requests with nearby doers"
}

func main() {
	// The env file feeds the env tags below, so it is loaded before parsing
	// and located through DISPATCH_ENV_FILE only.
	envFile := ".env"
	if v := os.Getenv("DISPATCH_ENV_FILE"); v != "" {
		envFile = v
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "dispatchd: load %s: %v\n", envFile, err)
		os.Exit(1)
	}

	var a args
	arg.MustParse(&a)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(a.LogLevel)}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, a, logger); err != nil {
		logger.Error("dispatchd exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, a args, logger *slog.Logger) error {
	cfg := dispatch.DefaultConfig()
	cfg.OfferTTL = a.OfferTTL
	cfg.MaxFanout = a.MaxFanout
	cfg.MaxRadiusKm = a.MaxRadiusKm
	cfg.MaxExpansions = a.MaxExpansions
	cfg.HeartbeatTTL = a.HeartbeatTTL

	opts := []engine.Option{
		engine.WithConfig(cfg),
		engine.WithLogger(logger),
	}

	// ── Stores ──────────────────────────────────────────

	if a.PostgresURL != "" {
		pg, err := postgres.New(ctx, a.PostgresURL,
			postgres.WithLogger(logger),
			postgres.WithMaxConns(a.PostgresMaxConns),
		)
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		opts = append(opts, engine.WithStore(pg))
	} else {
		logger.Warn("no postgres url, requests are kept in memory")
		opts = append(opts, engine.WithStore(memory.New()))
	}

	if a.RedisURL != "" {
		ro, err := goredis.ParseURL(a.RedisURL)
		if err != nil {
			return fmt.Errorf("dispatchd: redis url: %w", err)
		}
		rdb := goredis.NewClient(ro)
		defer rdb.Close()
		avail := redis.New(rdb,
			redis.WithLogger(logger),
			redis.WithKeyPrefix(a.RedisKeyPrefix),
		)
		if err := avail.Ping(ctx); err != nil {
			return fmt.Errorf("dispatchd: redis: %w", err)
		}
		opts = append(opts, engine.WithAvailabilityStore(avail))
	}

	// ── Billing ─────────────────────────────────────────

	if a.SQSQueueURL != "" {
		awsCfg, err := billing.LoadAWSConfig(ctx, a.AWSRegion, a.AWSEndpoint)
		if err != nil {
			return err
		}
		requester := billing.NewSQSRequesterFromConfig(awsCfg, a.SQSQueueURL)
		opts = append(opts, engine.WithExtension(billing.NewExtension(requester, logger)))
	}

	eng, err := engine.New(opts...)
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := eng.Stop(stopCtx); err != nil {
			logger.Error("engine stop", slog.String("error", err.Error()))
		}
	}()

	authn, err := buildAuthenticator(a)
	if err != nil {
		return err
	}

	// ── Federation ──────────────────────────────────────

	dwpOpts := []dwp.Option{
		dwp.WithAuth(authn),
		dwp.WithLogger(logger),
		dwp.WithIdleTimeout(a.WSIdleTimeout),
	}
	if a.OfflineOnDisconnect {
		dwpOpts = append(dwpOpts, dwp.WithOfflineOnDisconnect())
	}
	if a.NodeID != "" {
		fed := dwp.NewFederation(eng.Broker(), logger,
			dwp.WithLocalID(a.NodeID),
			dwp.WithLocalToken(a.NodeToken),
		)
		fed.Start(ctx)
		defer fed.Stop()
		for _, p := range a.Peers {
			peerID, url, ok := strings.Cut(p, "=")
			if !ok {
				return fmt.Errorf("dispatchd: peer %q: want id=url", p)
			}
			// An unreachable peer is retried in the background.
			if err := fed.AddPeer(ctx, peerID, url, "", nil); err != nil {
				logger.Warn("peer not connected",
					slog.String("peer", peerID),
					slog.String("error", err.Error()),
				)
			}
		}
		dwpOpts = append(dwpOpts, dwp.WithFederation(fed))
	}

	// ── HTTP ────────────────────────────────────────────

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Long-lived DWP connections stay outside the request timeout.
	dwp.NewServer(eng, dwpOpts...).RegisterRoutes(r)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(a.HTTPTimeout))
		api.New(eng,
			api.WithAuthenticator(authn),
			api.WithLogger(logger),
			api.WithTimeout(a.HTTPTimeout),
		).RegisterRoutes(r)
	})

	srv := &http.Server{
		Addr:              a.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("dispatchd listening", slog.String("addr", a.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildAuthenticator combines static API keys and JWT validation. At least
// one must be configured.
func buildAuthenticator(a args) (auth.Authenticator, error) {
	var auths []auth.Authenticator

	if len(a.APIKeys) > 0 {
		entries := make([]auth.APIKeyEntry, 0, len(a.APIKeys))
		for _, raw := range a.APIKeys {
			e, err := parseAPIKey(raw)
			if err != nil {
				return nil, err
			}
			entries = append(entries, e)
		}
		auths = append(auths, auth.NewAPIKeyAuthenticator(entries...))
	}
	if a.JWTSecret != "" {
		auths = append(auths, auth.NewJWTAuthenticator(a.JWTSecret, a.JWTIssuer))
	}

	switch len(auths) {
	case 0:
		return nil, errors.New("dispatchd: configure DISPATCH_API_KEYS or DISPATCH_JWT_SECRET")
	case 1:
		return auths[0], nil
	default:
		return auth.NewCompositeAuthenticator(auths...), nil
	}
}

// parseAPIKey reads "token=subject:scope|scope".
func parseAPIKey(raw string) (auth.APIKeyEntry, error) {
	token, rest, ok := strings.Cut(raw, "=")
	if !ok || token == "" {
		return auth.APIKeyEntry{}, fmt.Errorf("dispatchd: api key %q: want token=subject:scopes", raw)
	}
	subject, scopes, _ := strings.Cut(rest, ":")
	if subject == "" {
		return auth.APIKeyEntry{}, fmt.Errorf("dispatchd: api key %q: missing subject", raw)
	}
	id := auth.Identity{Subject: subject}
	if scopes != "" {
		id.Scopes = strings.Split(scopes, "|")
	}
	return auth.APIKeyEntry{Token: token, Identity: id}, nil
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
