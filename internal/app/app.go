package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/maxphoton/PiggyBank/internal/bot"
	"github.com/maxphoton/PiggyBank/internal/config"
	"github.com/maxphoton/PiggyBank/internal/diff"
	"github.com/maxphoton/PiggyBank/internal/dispatch"
	"github.com/maxphoton/PiggyBank/internal/feed"
	"github.com/maxphoton/PiggyBank/internal/registry"
	"github.com/maxphoton/PiggyBank/internal/scheduler"
	"github.com/maxphoton/PiggyBank/internal/service"
	"github.com/maxphoton/PiggyBank/internal/snapshot"
	"github.com/maxphoton/PiggyBank/internal/telegram"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newSource() feed.Source {
	if a.Config.Feed.UseFixture {
		a.Logger.Warn().Str("path", a.Config.Feed.FixturePath).Msg("using fixture feed instead of live API")
		return feed.NewFixtureSource(a.Config.Feed.FixturePath, a.Logger)
	}
	return feed.NewHTTPSource(feed.HTTPOptions{
		APIURL:    a.Config.Feed.APIURL,
		Timeout:   a.Config.Feed.RequestTimeout,
		UserAgent: a.Config.Feed.UserAgent,
	}, a.Logger)
}

func (a *App) newTelegram() *telegram.Client {
	cfg := a.Config.Telegram
	return telegram.NewClient(cfg.BotToken, cfg.APIBase, cfg.RequestTimeout, cfg.PollTimeout, a.Logger)
}

func (a *App) openRegistry(ctx context.Context) (*registry.Store, func(), error) {
	pool, err := registry.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := registry.NewStore(pool, a.Logger)
	if err := store.InitSchema(ctx); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("init schema: %w", err)
	}
	return store, store.Close, nil
}

// Run executes the long-running bot: the polling monitor and the Telegram
// update loop, sharing one registry and one snapshot store.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if !a.Config.Telegram.Enabled {
		return errors.New("telegram.enabled is off; nothing to run")
	}

	store, closeStore, err := a.openRegistry(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	tg := a.newTelegram()
	source := a.newSource()
	snapshots := snapshot.NewFileStore(a.Config.Snapshot.Path, a.Logger)

	engine := diff.NewEngine(store, diff.Options{AppURL: a.Config.Telegram.AppURL}, a.Logger)

	dispatcher := dispatch.New(tg, dispatch.Options{
		SendInterval: a.Config.Dispatch.SendInterval,
		SendTimeout:  a.Config.Dispatch.SendTimeout,
	}, a.Logger)
	broadcasts := dispatch.NewManager(dispatcher, tg, store, a.Config.Dispatch.BroadcastLogDir, a.Logger)

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	svc := service.New(sched, source, snapshots, engine, dispatcher, store, a.Config.Scheduler.AdvisoryLockKey, a.Logger)

	router := bot.New(tg, store, source, snapshots, broadcasts, bot.Options{
		AdminID:     a.Config.Telegram.AdminID,
		AppURL:      a.Config.Telegram.AppURL,
		PollTimeout: a.Config.Telegram.PollTimeout,
		TopLimit:    a.Config.Export.TopLimit,
	}, a.Logger)

	a.notifyStartup(ctx, tg)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return svc.Run(groupCtx) })
	group.Go(func() error { return router.Run(groupCtx) })

	a.Logger.Info().Msg("bot started")
	err = group.Wait()
	broadcasts.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("bot terminated with error")
		return err
	}
	a.Logger.Info().Msg("bot stopped")
	return nil
}

func (a *App) notifyStartup(ctx context.Context, tg *telegram.Client) {
	if a.Config.Telegram.AdminID == 0 {
		return
	}
	text := fmt.Sprintf("🚀 %s started (%s)", a.Config.App.Name, a.Config.App.Environment)
	if err := tg.SendMessage(ctx, a.Config.Telegram.AdminID, text); err != nil {
		a.Logger.Warn().Err(err).Msg("cannot notify admin about startup")
	}
}
