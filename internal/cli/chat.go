package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/npezzotti/message-lounge/internal/identity"
	"github.com/npezzotti/message-lounge/internal/room"
	"github.com/npezzotti/message-lounge/internal/types"
	"github.com/spf13/cobra"
)

const notifyQueueSize = 64

const chatHelp = `Commands:
  /join <channel>  switch to another channel of this server
  /who             list online users
  /signout         sign out and leave the chat
  /quit            leave the chat`

func (a *app) chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat <server> [channel]",
		Short: "Chat in a channel of a server",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			channel := ""
			if len(args) > 1 {
				channel = args[1]
			}
			return a.chat(cmd.Context(), args[0], channel)
		},
	}
}

// chatLoop owns the terminal while a chat is running. All output is written
// from its goroutine.
type chatLoop struct {
	a       *app
	srv     types.ServerInfo
	view    *room.View
	notes   *room.NotifyQueue
	changed chan struct{}
	cur     *room.Session
	// rendered is the number of messages of cur already printed
	rendered int
}

func (a *app) chat(ctx context.Context, serverId, channel string) error {
	user, err := a.requireUser(ctx)
	if err != nil {
		return err
	}

	srv, ok := a.store.Server(strings.ToLower(strings.TrimSpace(serverId)))
	if !ok {
		return fmt.Errorf("unknown server %q, run `lounge servers join %s` first", serverId, serverId)
	}
	if channel == "" && len(srv.Channels) > 0 {
		channel = srv.Channels[0]
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	signedOut := make(chan struct{}, 1)
	unsubscribe := a.auth.OnAuthStateChange(func(ev identity.Event, _ *types.Session) {
		if ev == identity.SignedOut {
			select {
			case signedOut <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	conn, err := a.dial(ctx, a.cfg.ServerURL, a.auth.Token(), a.log)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	l := &chatLoop{
		a:       a,
		srv:     srv,
		notes:   room.NewNotifyQueue(notifyQueueSize),
		changed: make(chan struct{}, 1),
	}
	self := room.Identity{UserId: strconv.Itoa(user.Id), DisplayName: a.displayName(user)}
	l.view = room.NewView(conn, self, room.Options{
		Logger:   a.log,
		Notifier: l.notes,
		OnChange: l.signal,
	})
	defer l.view.Close(ctx)

	if err := l.join(ctx, channel); err != nil {
		return err
	}
	fmt.Fprintln(a.out, chatHelp)

	lines := a.readLines(ctx)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			done, err := l.handleLine(ctx, line)
			if err != nil {
				fmt.Fprintf(a.errOut, "error: %v\n", err)
			}
			if done {
				return nil
			}
		case <-l.changed:
			l.render()
		case n := <-l.notes.C():
			fmt.Fprintln(a.errOut, formatNotification(n))
		case <-signedOut:
			fmt.Fprintln(a.out, "Signed out, leaving chat")
			return nil
		case <-conn.Done():
			return errors.New("connection to server lost")
		case <-ctx.Done():
			return nil
		}
	}
}

// readLines feeds input lines to the chat loop until input ends or ctx is
// done.
func (a *app) readLines(ctx context.Context) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		for {
			line, err := a.in.ReadString('\n')
			if line != "" {
				select {
				case lines <- strings.TrimRight(line, "\r\n"):
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					a.log.Debug().Err(err).Msg("read input")
				}
				return
			}
		}
	}()
	return lines
}

func (l *chatLoop) signal() {
	select {
	case l.changed <- struct{}{}:
	default:
	}
}

func (l *chatLoop) join(ctx context.Context, channel string) error {
	channel = strings.ToLower(strings.TrimSpace(channel))
	if !slices.Contains(l.srv.Channels, channel) {
		return fmt.Errorf("unknown channel #%s", channel)
	}

	key := types.NewRoomKey(l.srv.Id, channel)
	if l.cur != nil && l.cur.Key() == key && l.cur.State() == room.StateOpen {
		fmt.Fprintf(l.a.out, "Already in #%s\n", sanitize(channel))
		return nil
	}

	// messages of the previous room are not carried over
	l.cur = nil
	l.rendered = 0

	s, err := l.view.Switch(ctx, key)
	if err != nil {
		return fmt.Errorf("join #%s: %w", channel, err)
	}
	l.cur = s

	fmt.Fprintf(l.a.out, "Joined #%s on %s\n", sanitize(channel), sanitize(l.srv.Name))
	l.render()
	return nil
}

// handleLine reports whether the chat should end.
func (l *chatLoop) handleLine(ctx context.Context, line string) (bool, error) {
	text := strings.TrimSpace(line)
	if !strings.HasPrefix(text, "/") {
		return false, l.view.Send(ctx, text)
	}

	cmd, arg, _ := strings.Cut(text, " ")
	switch cmd {
	case "/quit":
		return true, nil
	case "/join":
		if arg == "" {
			return false, errors.New("usage: /join <channel>")
		}
		return false, l.join(ctx, arg)
	case "/who":
		l.who()
		return false, nil
	case "/signout":
		// the SIGNED_OUT event ends the loop
		return false, l.a.auth.SignOut(ctx)
	case "/help":
		fmt.Fprintln(l.a.out, chatHelp)
		return false, nil
	default:
		return false, fmt.Errorf("unknown command %s", cmd)
	}
}

func (l *chatLoop) who() {
	if l.cur == nil {
		return
	}

	users := l.cur.OnlineUsers()
	for i, u := range users {
		users[i] = sanitize(u)
	}
	fmt.Fprintf(l.a.out, "Online (%d): %s\n", len(users), strings.Join(users, ", "))
}

// render prints the messages that arrived since the last call.
func (l *chatLoop) render() {
	if l.cur == nil {
		return
	}

	msgs := l.cur.Messages()
	for _, m := range msgs[min(l.rendered, len(msgs)):] {
		fmt.Fprintln(l.a.out, formatMessage(m))
	}
	l.rendered = len(msgs)

	if l.cur.State() == room.StateClosed {
		fmt.Fprintln(l.a.errOut, "room closed, use /join to reconnect")
		l.cur = nil
	}
}
