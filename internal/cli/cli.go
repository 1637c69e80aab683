// Package cli implements the lounge command line client.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/npezzotti/message-lounge/internal/config"
	"github.com/npezzotti/message-lounge/internal/identity"
	"github.com/npezzotti/message-lounge/internal/realtime"
	"github.com/npezzotti/message-lounge/internal/storage"
	"github.com/npezzotti/message-lounge/internal/types"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var errNotSignedIn = errors.New("not signed in, run `lounge signin` first")

// Conn is a realtime connection to the lounge server.
type Conn interface {
	realtime.Transport
	Done() <-chan struct{}
	Close() error
}

type DialFunc func(ctx context.Context, serverURL, token string, logger zerolog.Logger) (Conn, error)

func dialSocket(ctx context.Context, serverURL, token string, logger zerolog.Logger) (Conn, error) {
	return realtime.Dial(ctx, serverURL, token, logger)
}

type Options struct {
	Config config.Client
	In     io.Reader
	Out    io.Writer
	Err    io.Writer
	// Logger replaces the console logger built from the --debug flag.
	Logger *zerolog.Logger
	Dial   DialFunc
}

type app struct {
	cfg    config.Client
	in     *bufio.Reader
	out    io.Writer
	errOut io.Writer
	log    zerolog.Logger
	dial   DialFunc
	debug  bool

	store *storage.Store
	auth  *identity.Client
}

// Execute runs the lounge command line with args.
func Execute(ctx context.Context, opts Options, args []string) error {
	root, a := newRootCmd(opts)
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	if cerr := a.close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func newRootCmd(opts Options) (*cobra.Command, *app) {
	a := &app{
		cfg:    opts.Config,
		in:     bufio.NewReader(opts.In),
		out:    opts.Out,
		errOut: opts.Err,
		dial:   opts.Dial,
	}
	if a.dial == nil {
		a.dial = dialSocket
	}

	root := &cobra.Command{
		Use:           "lounge",
		Short:         "Message Lounge chat client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Logger != nil {
				a.log = *opts.Logger
			} else {
				a.log = newLogger(a.errOut, a.debug)
			}
			return a.open()
		},
	}
	root.SetIn(opts.In)
	root.SetOut(opts.Out)
	root.SetErr(opts.Err)

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfg.ServerURL, "server-url", a.cfg.ServerURL, "lounge server base URL (env LOUNGE_SERVER_URL)")
	flags.StringVar(&a.cfg.DataDir, "data-dir", a.cfg.DataDir, "directory of the local store (env LOUNGE_DATA_DIR)")
	flags.BoolVar(&a.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		a.signUpCmd(),
		a.signInCmd(),
		a.signOutCmd(),
		a.whoAmICmd(),
		a.serversCmd(),
		a.chatCmd(),
	)

	return root, a
}

func newLogger(w io.Writer, debug bool) zerolog.Logger {
	level := zerolog.WarnLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w}).Level(level).With().Timestamp().Logger()
}

func (a *app) open() error {
	dir := a.cfg.DataDir
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return fmt.Errorf("locate config dir: %w", err)
		}
		dir = filepath.Join(base, "message-lounge")
	}

	store, err := storage.Open(dir, a.log)
	if err != nil {
		return err
	}
	a.store = store

	a.auth = identity.NewClient(identity.Options{
		ServerURL:   a.cfg.ServerURL,
		EmailDomain: a.cfg.EmailDomain,
		Timeout:     a.cfg.Timeout,
		Store:       store,
		Logger:      a.log,
	})

	return nil
}

func (a *app) close() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store = nil
	return err
}

// requireUser guards commands that need a session.
func (a *app) requireUser(ctx context.Context) (*types.User, error) {
	u, err := a.auth.CurrentUser(ctx)
	if errors.Is(err, identity.ErrNoSession) {
		return nil, errNotSignedIn
	}
	return u, err
}

func (a *app) displayName(u *types.User) string {
	return identity.DisplayName(u, a.cfg.KnownDomains)
}
