package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/you/gnasty-relay/internal/activity"
	"github.com/you/gnasty-relay/internal/chapters"
	"github.com/you/gnasty-relay/internal/config"
	"github.com/you/gnasty-relay/internal/control"
	"github.com/you/gnasty-relay/internal/eventlog"
	httpadmin "github.com/you/gnasty-relay/internal/http"
	"github.com/you/gnasty-relay/internal/httpapi"
	"github.com/you/gnasty-relay/internal/logging"
	"github.com/you/gnasty-relay/internal/notify"
	"github.com/you/gnasty-relay/internal/oauth"
	"github.com/you/gnasty-relay/internal/pipe"
	"github.com/you/gnasty-relay/internal/relay"
	"github.com/you/gnasty-relay/internal/store"
	"github.com/you/gnasty-relay/internal/twitch"
	"github.com/you/gnasty-relay/internal/twitchirc"
	"github.com/you/gnasty-relay/internal/version"
	"github.com/you/gnasty-relay/internal/workers"
	"github.com/you/gnasty-relay/internal/youtube"
	"github.com/you/gnasty-relay/internal/ytlive"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		versionFlag  bool
		checkFlag    bool
		login        string
		httpAddr     string
		logDir       string
		sqlitePath   string
		controlDir   string
		fixedURL     string
		redisAddr    string
		logLevel     string
		logFormat    string
		rollover     time.Duration
		noHealth     bool
		sqliteTuning bool
	)

	pflag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	pflag.BoolVar(&checkFlag, "check", false, "Validate configuration and exit")
	pflag.StringVar(&login, "login", "", "Source channel login (RELAY_TWITCH_LOGIN)")
	pflag.StringVar(&httpAddr, "http-addr", "", "Status API address, e.g. :8765 (RELAY_HTTP_ADDR)")
	pflag.StringVar(&logDir, "log-dir", "", "Directory for the binary activity logs (RELAY_LOG_DIR)")
	pflag.StringVar(&sqlitePath, "sqlite", "", "Path to the SQLite ledger, empty disables (RELAY_SQLITE_PATH)")
	pflag.StringVar(&controlDir, "control-dir", "", "Directory watched for trigger files (RELAY_CONTROL_DIR)")
	pflag.StringVar(&fixedURL, "fixed-rtmp-url", "", "Push to a fixed ingest URL instead of provisioning broadcasts")
	pflag.StringVar(&redisAddr, "redis-addr", "", "Redis address for notifications (RELAY_REDIS_ADDR)")
	pflag.StringVar(&logLevel, "log-level", "", "debug, info, warn or error (RELAY_LOG_LEVEL)")
	pflag.StringVar(&logFormat, "log-format", "", "text or json (RELAY_LOG_FORMAT)")
	pflag.DurationVar(&rollover, "rollover", 0, "Part rollover interval, 0 disables (RELAY_ROLLOVER_INTERVAL)")
	pflag.BoolVar(&noHealth, "no-healthcheck", false, "Skip the playability check for new parts")
	pflag.BoolVar(&sqliteTuning, "sqlite-tuning", true, "Apply extra SQLite performance pragmas")
	pflag.Parse()

	if versionFlag {
		fmt.Printf("relay version: %s (commit %s, built %s)\n", version.Version, version.Commit, version.BuildTime)
		return 0
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		return 2
	}

	overrides := make(map[string]bool)
	pflag.Visit(func(f *pflag.Flag) {
		overrides[f.Name] = true
	})
	if overrides["login"] {
		cfg.Twitch.Login = strings.ToLower(strings.TrimSpace(login))
	}
	if overrides["http-addr"] {
		cfg.HTTP.Addr = strings.TrimSpace(httpAddr)
	}
	if overrides["log-dir"] {
		cfg.Storage.LogDir = strings.TrimSpace(logDir)
	}
	if overrides["sqlite"] {
		cfg.Storage.SQLitePath = strings.TrimSpace(sqlitePath)
	}
	if overrides["control-dir"] {
		cfg.ControlDir = strings.TrimSpace(controlDir)
	}
	if overrides["fixed-rtmp-url"] {
		cfg.YouTube.FixedRTMPURL = strings.TrimSpace(fixedURL)
	}
	if overrides["redis-addr"] {
		cfg.Redis.Addr = strings.TrimSpace(redisAddr)
	}
	if overrides["log-level"] {
		cfg.Log.Level = logLevel
	}
	if overrides["log-format"] {
		cfg.Log.Format = logFormat
	}
	if overrides["rollover"] {
		cfg.Relay.RolloverInterval = rollover
	}
	if overrides["no-healthcheck"] {
		cfg.Health.Enabled = !noHealth
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	logger.Info("relay: starting", "version", version.Version, "commit", version.Commit)
	logger.Info(string(cfg.SummaryJSON()))
	logger.Debug("relay: config", "config", string(cfg.RedactedJSON()))

	if err := cfg.Validate(); err != nil {
		logger.Error("relay: invalid configuration", "err", err)
		return 2
	}
	if checkFlag {
		logger.Info("relay: configuration ok")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	journal, err := eventlog.Open(cfg.Storage.LogDir)
	if err != nil {
		logger.Error("relay: open activity log", "err", err)
		return 1
	}
	defer func() {
		if err := journal.Close(); err != nil {
			logger.Error("relay: close activity log", "err", err)
		}
	}()
	if err := journal.AppendBotSession(eventlog.BotSessionRecord{Type: eventlog.BotStart, Time: time.Now()}); err != nil {
		logger.Warn("relay: write bot start", "err", err)
	}

	var (
		ledger  relay.Ledger
		history httpapi.History
	)
	if cfg.Storage.SQLitePath != "" {
		db, err := store.Open(ctx, cfg.Storage.SQLitePath, store.Options{Tuning: sqliteTuning, Logger: logger})
		if err != nil {
			logger.Error("relay: open ledger", "err", err)
			return 1
		}
		defer func() {
			if err := db.Close(); err != nil {
				logger.Error("relay: close ledger", "err", err)
			}
		}()
		ledger, history = db, db
	} else {
		logger.Info("relay: ledger disabled")
	}

	twTokens := oauth.NewTwitchApp(cfg.Twitch.ClientID, cfg.Twitch.ClientSecret)
	twTokens.Logger = logger
	helix := twitch.New(cfg.Twitch.ClientID, twTokens)
	probe := twitch.Probe{Client: helix, Login: cfg.Twitch.Login}

	var (
		dest     relay.Destination
		health   relay.HealthChecker
		ytTokens *oauth.Manager
	)
	if !cfg.Legacy() {
		ytTokens = oauth.NewGoogle(cfg.YouTube.ClientID, cfg.YouTube.ClientSecret, cfg.YouTube.RefreshToken)
		ytTokens.RefreshTokenFile = cfg.YouTube.RefreshTokenFile
		ytTokens.TokenFile = cfg.YouTube.TokenFile
		ytTokens.Logger = logger
		if _, err := ytTokens.Reload(); err != nil {
			logger.Error("relay: youtube refresh token", "err", err)
			return 1
		}
		yt := youtube.New(ytTokens)
		if cfg.YouTube.APIBase != "" {
			yt.BaseURL = cfg.YouTube.APIBase
		}
		yt.Logger = logger
		dest = yt
		health = &ytlive.Checker{
			Enabled:  cfg.Health.Enabled,
			Source:   ytlive.NewProber(nil),
			Attempts: cfg.Health.Attempts,
			Delay:    cfg.Health.Delay,
			Logger:   logger,
		}
		ytTokens.StartAuto(ctx, nil)
	} else {
		logger.Info("relay: legacy mode, pushing to fixed endpoint", "url", cfg.YouTube.FixedRTMPURL)
	}

	renderer, err := chapters.NewRenderer(cfg.Templates.Title, cfg.Templates.Description)
	if err != nil {
		logger.Error("relay: templates", "err", err)
		return 2
	}

	// Notifications outlive the main workers so the final session end
	// still goes out during shutdown.
	senders := notify.Fanout{notify.Log{Logger: logger}}
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Warn("relay: redis ping failed; notifications will retry per message", "addr", cfg.Redis.Addr, "err", err)
		}
		cancel()
		senders = append(senders, notify.NewRedis(rdb, cfg.Redis.Channel))
		defer rdb.Close()
	}
	dispatcher := notify.NewDispatcher(senders, notify.DispatcherOptions{Logger: logger})
	tail := workers.New(context.Background(), logger)
	tail.Go("notify", dispatcher.Run)

	supervisor := pipe.New(pipe.Config{
		FetchBin:     cfg.Pipe.FetchBin,
		TranscodeBin: cfg.Pipe.TranscodeBin,
		Grace:        cfg.Pipe.StopGrace,
		Logger:       logger,
	})

	orch, err := relay.New(relay.Config{
		Source:           cfg.Twitch.Login,
		LivenessPoll:     cfg.Relay.LivenessPoll,
		RolloverInterval: cfg.Relay.RolloverInterval,
		ShortCooldown:    cfg.Relay.ShortCooldown,
		LongCooldown:     cfg.Relay.LongCooldown,
		MaxFailures:      cfg.Relay.MaxFailures,
		PostSessionWait:  cfg.Relay.PostSessionWait,
		ErrorCooldown:    cfg.Relay.ErrorCooldown,
		Visibility:       cfg.YouTube.Visibility,
		FinalVisibility:  cfg.YouTube.FinalVisibility,
		PlaylistID:       cfg.YouTube.PlaylistID,
		CategoryID:       cfg.YouTube.CategoryID,
		FixedAddress:     cfg.YouTube.FixedRTMPURL,
		FixedKey:         cfg.YouTube.FixedRTMPKey,
		ChaptersEnabled:  cfg.Templates.ChaptersEnabled,
		MinChapter:       cfg.Templates.MinChapter,
	}, relay.Deps{
		Probe:       probe,
		Destination: dest,
		Pipe:        supervisor,
		Health:      health,
		Journal:     journal,
		Ledger:      ledger,
		Notifier:    dispatcher,
		Renderer:    renderer,
		CheckExecutables: func() error {
			return pipe.CheckExecutables(cfg.Pipe.FetchBin, cfg.Pipe.TranscodeBin)
		},
		Logger: logger,
	})
	if err != nil {
		logger.Error("relay: orchestrator", "err", err)
		return 1
	}

	var reloader httpadmin.Reloader
	watcher := &control.Watcher{
		Dir:       cfg.ControlDir,
		Overrides: orch,
		Logger:    logger,
	}
	if ytTokens != nil && cfg.YouTube.RefreshTokenFile != "" {
		reload := func() error {
			changed, err := ytTokens.Reload()
			if err == nil {
				logger.Info("relay: youtube credentials reloaded", "changed", changed)
			}
			return err
		}
		reloader = httpadmin.ReloadFunc(reload)
		watcher.TokenFiles = []string{cfg.YouTube.RefreshTokenFile}
		watcher.Reload = reload
	}

	group := workers.New(ctx, logger)
	group.Go("relay", orch.Run)
	group.Go("activity", (&activity.Worker{
		Login:        cfg.Twitch.Login,
		Source:       helix,
		Log:          journal,
		Poll:         cfg.Activity.Poll,
		FollowerPoll: cfg.Activity.FollowerPoll,
		Logger:       logger,
	}).Run)
	if cfg.ControlDir != "" {
		group.Go("control", watcher.Run)
	}
	if cfg.Activity.Chat {
		counter := &activity.ChatCounter{Log: journal, Interval: cfg.Activity.ChatInterval, Logger: logger}
		listener := twitchirc.New(twitchirc.Config{Channel: cfg.Twitch.Login, UseTLS: true, Logger: logger}, func(m twitchirc.Message) {
			counter.Observe(m.Login)
		})
		group.Go("chat-counter", counter.Run)
		group.Go("chat", listener.Run)
	}

	if cfg.HTTP.Addr != "" {
		build := httpapi.BuildInfo{Version: version.Version, Revision: version.Commit}
		if version.BuildTime != "" && version.BuildTime != "unknown" {
			if t, err := time.Parse(time.RFC3339, version.BuildTime); err == nil {
				build.BuiltAt = t
			}
		}
		admin := httpadmin.New(orch, reloader)
		api := httpapi.New(orch, history, journal, httpapi.Options{
			Addr:           cfg.HTTP.Addr,
			Build:          build,
			RateLimitRPS:   cfg.HTTP.RateLimitRPS,
			RateLimitBurst: cfg.HTTP.RateLimitBurst,
			CORSOrigins:    cfg.HTTP.CORSOrigins,
			Admin:          func(r chi.Router) { admin.Register(r) },
			Logger:         logger,
		})
		group.Go("http", func(ctx context.Context) error {
			errc := make(chan error, 1)
			go func() { errc <- api.Start() }()
			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := api.Shutdown(shutdownCtx); err != nil {
				logger.Warn("relay: http api shutdown", "err", err)
			}
			return <-errc
		})
		group.Go("status-push", api.RunStatusPush)
	}

	<-ctx.Done()
	logger.Info("relay: shutting down")

	code := 0
	if stragglers, err := group.Join(cfg.JoinTimeout); err != nil {
		logger.Error("relay: workers did not stop", "workers", stragglers)
		code = 1
	}
	if err := group.Err(); err != nil {
		logger.Error("relay: worker errors", "err", err)
	}
	if stragglers, err := tail.Join(5 * time.Second); err != nil {
		logger.Warn("relay: notify dispatcher did not stop", "workers", stragglers)
	}

	if err := journal.AppendBotSession(eventlog.BotSessionRecord{Type: eventlog.BotStop, Time: time.Now()}); err != nil {
		logger.Warn("relay: write bot stop", "err", err)
	}
	logger.Info("relay: shutdown complete")
	return code
}
