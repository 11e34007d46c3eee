// Command pointsminer runs the autonomous points-miner core: it logs in
// with a pre-obtained token, subscribes to every configured streamer's
// PubSub topics, runs the Prediction Engine against live rounds, and
// serves a control-plane HTTP API. Grounded on the teacher's cmd/run.go
// entrypoint shape (flag/env wiring, signal-driven graceful shutdown,
// migrate subcommand), generalized to this repo's component set.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"github.com/pointsminer/core/internal/analytics"
	"github.com/pointsminer/core/internal/auth"
	"github.com/pointsminer/core/internal/config"
	"github.com/pointsminer/core/internal/domain"
	"github.com/pointsminer/core/internal/eventloop"
	"github.com/pointsminer/core/internal/httpapi"
	"github.com/pointsminer/core/internal/logging"
	"github.com/pointsminer/core/internal/pubsub"
	"github.com/pointsminer/core/internal/scheduler"
	"github.com/pointsminer/core/internal/store"
	"github.com/pointsminer/core/internal/twitch"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		if err := runMigrate(os.Args[2:]); err != nil {
			log.WithError(err).Fatal("migration failed")
		}
		return
	}

	tokenPath := flag.String("token", "token.json", "path to the token file")
	configPath := flag.String("config", "config.yaml", "path to the streamer/preset config file")
	clientID := flag.String("client-id", os.Getenv("POINTSMINER_CLIENT_ID"), "platform OAuth client id")
	analyticsDSN := flag.String("analytics-db", os.Getenv("POINTSMINER_ANALYTICS_DSN"), "Postgres DSN for analytics; empty disables analytics")
	logFile := flag.String("log-file", "", "optional rotating log file path")
	httpAddr := flag.String("http-addr", ":8080", "control plane listen address")
	simulate := flag.Bool("simulate", false, "log bet decisions instead of placing them")
	flag.Parse()

	logLevel := os.Getenv("LOG")
	if logLevel == "" {
		logLevel = "info"
	}
	logging.Setup(logging.Options{Level: logLevel, LogFile: *logFile})

	if err := run(*tokenPath, *configPath, *clientID, *analyticsDSN, *logFile, *httpAddr, *simulate); err != nil {
		log.WithError(err).Fatal("pointsminer exited with error")
		os.Exit(1)
	}
}

func run(tokenPath, configPath, clientID, analyticsDSN, logFile, httpAddr string, simulate bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("received shutdown signal, shutting down gracefully")
		cancel()
	}()

	tokens, err := auth.Load(tokenPath)
	if err != nil {
		return fmt.Errorf("load token store: %w", err)
	}

	cfg, err := config.Get(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st := store.New()
	for name, body := range cfg.Presets() {
		st.UpsertPreset(name, body)
	}

	gateway := twitch.New(clientID, tokens, twitch.WithSimulate(simulate))

	channelIDByName := make(map[string]string)
	var streamerIDs []string
	for _, entry := range cfg.Streamers() {
		ref, err := gateway.ResolveChannel(ctx, entry.ChannelName)
		if err != nil {
			log.WithError(err).WithField("channel_name", entry.ChannelName).Error("resolve configured streamer failed, skipping")
			continue
		}
		st.AddStreamer(ref.ChannelID, ref.DisplayName, entry.Config)
		channelIDByName[entry.ChannelName] = ref.ChannelID
		streamerIDs = append(streamerIDs, ref.ChannelID)
	}

	watchPriorityIDs := streamerIDs
	if names := cfg.WatchPriority(); len(names) > 0 {
		watchPriorityIDs = nil
		for _, name := range names {
			if id, ok := channelIDByName[name]; ok {
				watchPriorityIDs = append(watchPriorityIDs, id)
			}
		}
	}
	st.SetWatchPriority(watchPriorityIDs)

	var sink eventloop.AnalyticsSink = noopAnalytics{}
	var analyticsPool *pgxpool.Pool
	if analyticsDSN != "" {
		if err := analytics.EnsureSchema(analyticsDSN); err != nil {
			return fmt.Errorf("apply analytics migrations: %w", err)
		}
		pool, err := pgxpool.New(ctx, analyticsDSN)
		if err != nil {
			return fmt.Errorf("connect analytics db: %w", err)
		}
		defer pool.Close()

		writer := analytics.New(pool)
		go writer.Run(ctx)
		defer writer.Close()
		sink = writer
		analyticsPool = pool
	}

	mux := pubsub.New(
		func() string { return tokens.Current().AccessToken },
		func(err error) {
			log.WithError(err).Error("pubsub auth escalation, shutting down")
			cancel()
		},
	)
	defer mux.Close()
	go mux.Liveness(ctx)

	authedUserID := tokens.Current().UserID
	for _, id := range streamerIDs {
		spec, _ := st.ResolvedConfig(id)
		if err := mux.Subscribe(ctx, id, authedUserID, spec.FollowRaid); err != nil {
			log.WithError(err).WithField("channel_id", id).Error("pubsub subscribe failed")
		}
	}

	sched := scheduler.New(st, gateway)
	go sched.Run(ctx)
	defer sched.Stop()

	loop := eventloop.New(mux, st, gateway, sink, sched)
	go loop.Run(ctx)
	go loop.RunPeriodicChecks(ctx)

	var serverOpts []httpapi.Option
	if analyticsPool != nil {
		serverOpts = append(serverOpts, httpapi.WithAnalyticsPool(analyticsPool))
	}
	server := httpapi.New(st, gateway, logFile, serverOpts...)
	srv := &http.Server{Addr: httpAddr, Handler: server.Handler()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("control plane server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	return nil
}

type noopAnalytics struct{}

func (noopAnalytics) EnqueuePointDelta(domain.PointDelta)                       {}
func (noopAnalytics) EnqueuePrediction(string, *domain.Event, *domain.PlacedBet) {}

// runMigrate handles `pointsminer migrate up <dsn>`, mirroring the
// teacher's standalone migration subcommand; the `down` direction is
// rejected with an error.
func runMigrate(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: pointsminer migrate [up|down] <dsn>")
	}
	direction, dsn := args[0], args[1]
	switch direction {
	case "up":
		return analytics.EnsureSchema(dsn)
	case "down":
		return fmt.Errorf("down migrations are not exposed; restore from a backup instead")
	default:
		return fmt.Errorf("unknown migrate direction %q", direction)
	}
}
