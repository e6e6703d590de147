package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v3"
	"github.com/zalando/go-keyring"
	"golang.org/x/sync/errgroup"

	"github.com/hollevik/streamsub/httputil"
	"github.com/hollevik/streamsub/save"
	"github.com/hollevik/streamsub/twitch"
	"github.com/hollevik/streamsub/wspool"
)

const (
	defaultClientID = "q3n0vkcdyfmi82b7pay9dx0hu5selg"
	logFileName     = "log.txt"

	liveStatusInterval = time.Minute
)

func main() {
	f, err := setupLogFile()
	if err != nil {
		fmt.Printf("error while opening log file: %v\n", err)
		os.Exit(1)
	}

	defer func() {
		_ = f.Close()
	}()

	logger := zerolog.New(f).With().Timestamp().Logger()
	log.Logger = logger

	app := &cli.Command{
		Name:        "streamsub",
		Description: "Headless EventSub subscription manager for twitch channels",
		Usage:       "Maintains EventSub subscriptions for the configured channels and logs the notifications",
		Commands: []*cli.Command{
			versionCMD,
			accountCMD,
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "client-id",
				Usage: "OAuth Client-ID",
				Value: defaultClientID,
			},
			&cli.StringFlag{
				Name:  "client-secret",
				Usage: "OAuth Client-Secret, enables app tokens and local token refresh",
			},
			&cli.BoolFlag{
				Name:  "plain-credentials",
				Usage: "Store credentials in a plain config file instead of the OS keyring",
			},
			&cli.BoolFlag{
				Name:  "enable-profiling",
				Usage: "If profiling should be enabled",
				Value: false,
			},
			&cli.StringFlag{
				Name:  "profiling-host",
				Usage: "Host of the profiling http server",
				Value: "0.0.0.0:6060",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			if command.Bool("enable-profiling") {
				runProfilingServer(ctx, logger, command.String("profiling-host"))
			}

			// Override the default http client transport to tag and log requests
			http.DefaultClient.Transport = httputil.NewStreamsubRoundTrip(http.DefaultClient.Transport, logger, Version)

			return run(ctx, command, logger)
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Printf("error while running streamsub: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command *cli.Command, logger zerolog.Logger) error {
	fs := afero.NewOsFs()

	settings, err := save.SettingsFromDisk(fs)
	if err != nil {
		return fmt.Errorf("error while reading settings: %w", err)
	}

	if len(settings.Channels) == 0 {
		return errors.New("no channels configured, add some to settings.yaml")
	}

	accountProvider := save.NewAccountProvider(credentialStore(command, fs))

	mainAccount, err := accountProvider.GetMainAccount()
	if err != nil {
		return fmt.Errorf("no usable account, add one with the account command: %w", err)
	}

	refresher := twitch.NewRefresher(http.DefaultClient, command.String("client-id"), command.String("client-secret"))

	apiOpts := []twitch.APIOptionFunc{
		twitch.WithUserAuthentication(accountProvider, refresher, mainAccount.ID),
	}

	if secret := command.String("client-secret"); secret != "" {
		apiOpts = append(apiOpts, twitch.WithClientSecret(secret))
	}

	api, err := twitch.NewAPI(command.String("client-id"), apiOpts...)
	if err != nil {
		return fmt.Errorf("error while creating API client: %w", err)
	}

	pool := wspool.NewPool(api, wspool.NewEventSubChannelFactory(logger, http.DefaultClient), logger)
	pool.SetSend(eventLogger(logger))

	manager := wspool.NewManager(pool, api, logger)
	tracker := wspool.NewRaidTracker(manager, logger)

	manager.SetLocalUsername(mainAccount.DisplayName)
	tracker.SetLocalUsername(mainAccount.DisplayName)

	for _, channel := range settings.Channels {
		if settings.Listen.Polls {
			manager.ListenPoll(channel)
		}

		if settings.Listen.ShieldMode {
			manager.ListenShield(channel)
		}

		if settings.Listen.Shoutouts {
			manager.ListenShoutouts(channel)
		}

		if settings.Listen.Raids {
			tracker.Listen(channel)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return pool.Run(ctx) })
	g.Go(func() error { return tracker.Run(ctx) })

	if settings.Listen.Raids {
		g.Go(func() error { return pollLiveStatus(ctx, api, tracker, settings.Channels, logger) })
	}

	err = g.Wait()
	_ = pool.Close()

	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

func credentialStore(command *cli.Command, fs afero.Fs) keyring.Keyring {
	if command.Bool("plain-credentials") {
		return save.NewPlainKeyringFallback(fs)
	}

	return save.NewKeyringWrapper()
}

// eventLogger turns pool events into log lines. A real consumer would
// fan these out, the daemon just records them.
func eventLogger(logger zerolog.Logger) func(wspool.Event) {
	return func(ev wspool.Event) {
		switch ev := ev.(type) {
		case wspool.NotificationEvent:
			logger.Info().
				Str("subscription-type", ev.Message.Payload.Subscription.Type).
				Str("broadcaster", ev.Message.Payload.Event.BroadcasterUserLogin).
				Any("event", ev.Message.Payload.Event).
				Msg("notification")
		case wspool.RevokedEvent:
			logger.Warn().Stringer("kind", ev.Kind).Str("login", ev.Login).Str("reason", ev.Reason).Msg("subscription revoked")
		case wspool.CapacityEvent:
			logger.Warn().Stringer("kind", ev.Kind).Str("login", ev.Login).Msg("subscription capacity exhausted")
		case wspool.ErrorEvent:
			logger.Err(ev.Err).Msg("pool error")
		}
	}
}

// pollLiveStatus periodically checks which of the channels are live and
// feeds the raid tracker's eligibility cache.
func pollLiveStatus(ctx context.Context, api *twitch.API, tracker *wspool.RaidTracker, channels []string, logger zerolog.Logger) error {
	logins := make(map[string]string) // user id -> login

	for {
		resp, err := api.GetUsers(ctx, channels, nil)
		if err != nil {
			logger.Err(err).Msg("failed to resolve channel ids for live status polling")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(liveStatusInterval):
				continue
			}
		}

		for _, user := range resp.Data {
			logins[user.ID] = user.Login
		}

		break
	}

	ids := make([]string, 0, len(logins))
	for id := range logins {
		ids = append(ids, id)
	}

	ticker := time.NewTicker(liveStatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		resp, err := api.GetStreamInfo(ctx, ids)
		if err != nil {
			logger.Err(err).Msg("failed to fetch stream info")
			continue
		}

		live := make(map[string]struct{}, len(resp.Data))
		for _, stream := range resp.Data {
			live[stream.UserID] = struct{}{}
			tracker.SetLive(stream.UserLogin)
		}

		for id, login := range logins {
			if _, ok := live[id]; !ok {
				tracker.SetOffline(login)
			}
		}
	}
}

func runProfilingServer(ctx context.Context, logger zerolog.Logger, host string) {
	srv := &http.Server{
		Addr: host,
	}

	go func() {
		<-ctx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()

		logger.Info().Msg("shutting down profiling server")
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("error while shutting down profiling server")
			os.Exit(1)
		}
	}()

	go func() {
		logger.Info().Str("host", host).Msg("running profiling server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("error while running profiling server: %v", err)
			logger.Error().Err(err).Msg("error while running profiling server")
			os.Exit(1)
		}
	}()
}

func setupLogFile() (*os.File, error) {
	f, err := os.OpenFile(logFileName, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}

	return f, nil
}
