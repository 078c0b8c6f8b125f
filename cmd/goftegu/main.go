package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/4xmen/goftegu/internal/db"
	"github.com/4xmen/goftegu/internal/messenger"
	"github.com/4xmen/goftegu/pkg/config"
	"github.com/4xmen/goftegu/pkg/i18n"
	"github.com/4xmen/goftegu/pkg/logger"
)

// app is the state shared by every command of one invocation.
type app struct {
	cfg *config.Config
	log *zap.Logger
	out io.Writer
	tr  func(string) string

	store *db.DB
}

// run executes one command line and releases what it opened.
func run(ctx context.Context, out io.Writer, args []string) error {
	a := &app{out: out}
	defer a.close()
	root := a.rootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func (a *app) rootCmd() *cobra.Command {
	out := a.out
	root := &cobra.Command{
		Use:   "goftegu",
		Short: "Direct messages from the terminal",
		Long: `goftegu talks to a Messaging API: browse people, follow them,
and exchange direct messages with the ones you follow.

Run "goftegu sandbox" to start a local demo API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}
	root.SetOut(out)

	root.AddCommand(
		newLoginCmd(a),
		newLogoutCmd(a),
		newWhoamiCmd(a),
		newConversationsCmd(a),
		newUsersCmd(a),
		newFollowCmd(a, true),
		newFollowCmd(a, false),
		newOpenCmd(a),
		newSendCmd(a),
		newAttachCmd(a),
		newListenCmd(a),
		newStatusCmd(a),
		newSandboxCmd(a),
	)
	return root
}

func (a *app) init() error {
	a.cfg = config.Load()
	if err := a.cfg.Validate(); err != nil {
		return err
	}
	log, err := logger.New(a.cfg.Environment, a.cfg.LogLevel)
	if err != nil {
		return err
	}
	a.log = log
	a.tr = i18n.For(a.cfg.Locale)
	return nil
}

func (a *app) close() {
	if a.store != nil {
		a.store.Close()
		a.store = nil
	}
	if a.log != nil {
		_ = a.log.Sync()
	}
}

// sessionStore opens the local state database on first use.
func (a *app) sessionStore() (*db.DB, error) {
	if a.store != nil {
		return a.store, nil
	}
	if dir := filepath.Dir(a.cfg.DatabasePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create data directory")
		}
	}
	store, err := db.New(a.cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	a.store = store
	return store, nil
}

// messenger builds a Messenger for the stored session. A 401 from the server
// clears the stored session.
func (a *app) messenger(ctx context.Context, overrides ...func(*messenger.Config)) (*messenger.Messenger, error) {
	store, err := a.sessionStore()
	if err != nil {
		return nil, err
	}
	session, err := store.LoadSession(ctx)
	if err != nil {
		return nil, err
	}
	cfg := messenger.Config{
		Token:          session.Token,
		APIBaseURL:     a.cfg.APIBaseURL,
		WebSocketURL:   a.cfg.WebSocketURL,
		RequestTimeout: a.cfg.RequestTimeout,
		SearchDebounce: a.cfg.SearchDebounce,
		ListLimit:      a.cfg.RecommendedLimit,
		CompactLimit:   a.cfg.CompactLimit,
		Locale:         a.cfg.Locale,
		Logger:         a.log,
		OnUnauthorized: func() {
			if err := store.ClearSession(context.WithoutCancel(ctx)); err != nil {
				a.log.Warn("failed to clear rejected session", zap.Error(err))
			}
		},
	}
	for _, fn := range overrides {
		fn(&cfg)
	}
	return messenger.New(cfg)
}

// userError rewrites err for display; the raw error goes to the log.
// fallback replaces the generic message when err has no specific one.
func (a *app) userError(err error, fallback string) error {
	if err == nil {
		return nil
	}
	a.log.Debug("command failed", zap.Error(err))
	if errors.Is(err, db.ErrNoSession) {
		return errors.New(a.tr("not logged in") + `; run "goftegu login"`)
	}
	key := messenger.MessageKey(err)
	if key == messenger.GenericMessage && fallback != "" {
		key = fallback
	}
	return errors.New(a.tr(key))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
