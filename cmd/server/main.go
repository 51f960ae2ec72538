package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jav/lucho-party-game/internal/api"
	"github.com/jav/lucho-party-game/internal/catalog"
	"github.com/jav/lucho-party-game/internal/config"
	"github.com/jav/lucho-party-game/internal/game"
	"github.com/jav/lucho-party-game/internal/store"
	"github.com/jav/lucho-party-game/internal/store/boltstore"
	"github.com/jav/lucho-party-game/internal/store/redisstore"
	"github.com/jav/lucho-party-game/internal/ws"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const version = "v1.0.0-dev"

const shutdownTimeout = 10 * time.Second

func main() {
	var (
		showHelp    = flag.Bool("help", false, "Show help message")
		showVersion = flag.Bool("version", false, "Show version information")
		portFlag    = flag.Int("port", 0, "Port to listen on (overrides PORT env var)")
	)
	flag.BoolVar(showHelp, "h", false, "Show help message (shorthand)")
	flag.BoolVar(showVersion, "v", false, "Show version information (shorthand)")
	flag.Parse()

	if *showHelp {
		fmt.Printf(`Lucho - improv party game server

Usage: %s [options]

Options:
  -h, --help      Show this help message
  -v, --version   Show version information
  --port PORT     Port to listen on (default: 8080 or PORT env var)

Environment Variables:
  PORT             Port to listen on (default: 8080)
  MODE             "release" or "debug" (default: release)
  LOG_LEVEL        trace, debug, info, warn, error (default: info)
  CONFIG_FILE      Optional YAML file with the same keys in lower case
  STORE_BACKEND    "memory", "redis" or "bolt" (default: memory)
  REDIS_ADDR       Redis address (default: localhost:6379)
  REDIS_USERNAME   Redis ACL user (optional)
  REDIS_PASSWORD   Redis password (optional)
  REDIS_DB         Redis database number (default: 0)
  REDIS_TLS        Dial Redis over TLS (default: false)
  BOLT_PATH        bbolt file for the bolt backend (default: ./lucho.db)
  CATALOG_FILE     YAML catalog of scenes, styles and tags (default: built in)
  ROUND_DURATION   Length of a performance (default: 300s)
  RATING_DELAY     Pause before rating opens (default: 5s)
  SCORES_DELAY     Time the scoreboard is shown (default: 10s)
  VOTE_WINDOW      Continue-vote window (default: 30s)
  STATE_TTL        Idle session lifetime (default: 24h)
  SELECTION_TTL    Selection record lifetime (default: 1h)
  DECAY_RATE       Per-round score decay (default: 0.05)
  SESSION_SECRET   Key for signing the player cookie

Examples:
  %s                          Start with the in-memory store
  STORE_BACKEND=redis %s      Share sessions between instances via Redis
  %s --port 3000              Start server on port 3000
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
		return
	}

	if *showVersion {
		fmt.Printf("Lucho %s\n", version)
		return
	}

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	if *portFlag != 0 {
		cfg.Port = *portFlag
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, ping, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("open store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("close store")
		}
	}()

	cat := catalog.Default()
	if cfg.CatalogFile != "" {
		if cat, err = catalog.Load(cfg.CatalogFile); err != nil {
			log.Fatal().Err(err).Msg("catalog")
		}
	}

	rm := game.NewRoomManager(game.Options{
		Store:   st,
		Catalog: cat,
		Timings: game.Timings{
			RoundDuration: cfg.RoundDuration,
			RatingDelay:   cfg.RatingDelay,
			ScoresDelay:   cfg.ScoresDelay,
			VoteWindow:    cfg.VoteWindow,
		},
		StateTTL:     cfg.StateTTL,
		SelectionTTL: cfg.SelectionTTL,
		DecayRate:    cfg.DecayRate,
	})
	defer rm.Close()

	r := api.NewRouter(api.Options{Mode: cfg.Mode, SessionSecret: cfg.SessionSecret, Ping: ping}, rm)
	io := ws.New(rm).Mount(r)
	defer io.Close()

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Int("port", cfg.Port).Str("store", cfg.StoreBackend).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server")
	}
}

// openStore returns the configured backend and, where it has one, a health
// probe for /health.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(context.Context) error, error) {
	switch cfg.StoreBackend {
	case config.BackendRedis:
		rs := redisstore.New(redisstore.Options{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TLS:      cfg.RedisTLS,
		})
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rs.Ping(pctx); err != nil {
			_ = rs.Close()
			return nil, nil, err
		}
		return rs, rs.Ping, nil
	case config.BackendBolt:
		bs, err := boltstore.Open(cfg.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		return bs, nil, nil
	default:
		return store.NewMemory(), nil, nil
	}
}
