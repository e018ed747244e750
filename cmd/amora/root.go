package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"amora/internal/api"
	"amora/internal/config"
	"amora/internal/outbox"
	"amora/internal/session"
	"amora/internal/storage"
	"amora/internal/ws"
)

// app holds what every command needs once config is loaded.
type app struct {
	cfg         *config.Config
	logger      zerolog.Logger
	storage     *storage.BboltStorage
	client      *api.Client
	metricsAddr string
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "amora",
		Short:         "Terminal client for amora conversations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			a.close()
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVar(&a.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address (e.g. :9090)")

	root.AddCommand(
		newTailCmd(a),
		newSendCmd(a),
		newUnlockCmd(a),
		newDraftsCmd(a),
	)
	return root
}

func (a *app) init() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a.cfg = cfg

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("AMORA_LOG_LEVEL: %w", err)
	}
	a.logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().
		Timestamp().
		Logger()

	a.storage, err = storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}

	a.client = api.NewClient(api.Config{
		BaseURL:    cfg.BaseURL,
		Token:      cfg.Token,
		HTTPClient: &http.Client{Timeout: cfg.HTTPTimeout},
		PageSize:   cfg.PageSize,
		Logger:     a.logger,
	})
	return nil
}

func (a *app) close() {
	if a.storage != nil {
		_ = a.storage.Close()
	}
}

// openSession mounts conversationID. channel may be nil for one-shot commands.
func (a *app) openSession(ctx context.Context, conversationID string, channel ws.Channel, onChange func()) (*session.Session, error) {
	s, err := session.New(session.Config{
		ConversationID: conversationID,
		UserID:         a.cfg.UserID,
		API:            a.client,
		Channel:        channel,
		Uploader: &outbox.CachingUploader{
			Uploader: a.client,
			Cache:    a.storage,
			Logger:   a.logger,
		},
		Drafts:         a.storage,
		ReadMarks:      a.storage,
		TypingTTL:      a.cfg.TypingTTL,
		RequestTimeout: a.cfg.HTTPTimeout,
		OnChange:       onChange,
		Logger:         a.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := s.Open(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (a *app) newManager() *ws.Manager {
	return ws.NewManager(ws.ManagerConfig{
		Dialer:     ws.NewGorillaDialer(a.cfg.WSURL, a.cfg.Token),
		UserID:     a.cfg.UserID,
		MaxBackoff: a.cfg.ReconnectMax,
		Logger:     a.logger,
	})
}

// serve runs fn next to the optional metrics server until ctx is done or fn returns.
func (a *app) serve(ctx context.Context, fn func(ctx context.Context) error) error {
	g, gCtx := errgroup.WithContext(ctx)

	if a.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: a.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			a.logger.Info().Str("addr", a.metricsAddr).Msg("serving metrics")
			err := srv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn().Err(err).Msg("metrics server shutdown error")
			}
			return nil
		})
	}

	g.Go(func() error {
		err := fn(gCtx)
		if err == nil {
			// Stop the metrics server once the command is done.
			return errDone
		}
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errDone) {
		return err
	}
	return nil
}

var errDone = errors.New("done")
