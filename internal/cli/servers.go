package cli

import (
	"fmt"
	"strings"

	"github.com/npezzotti/message-lounge/internal/types"
	"github.com/spf13/cobra"
)

func (a *app) serversCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "List, create and join servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a.printServers()
			return nil
		},
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List known servers",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				a.printServers()
				return nil
			},
		},
		&cobra.Command{
			Use:   "create <name>",
			Short: "Create a server",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				srv, err := a.store.CreateServer(strings.Join(args, " "))
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Created %s\n", formatServer(srv))
				return nil
			},
		},
		&cobra.Command{
			Use:   "join <code>",
			Short: "Join a server by its invite code",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				srv, err := a.store.JoinServer(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Joined %s\n", formatServer(srv))
				return nil
			},
		},
	)

	return cmd
}

func (a *app) printServers() {
	for _, srv := range a.store.Servers() {
		fmt.Fprintln(a.out, formatServer(srv))
	}
}

func formatServer(srv types.ServerInfo) string {
	channels := make([]string, len(srv.Channels))
	for i, c := range srv.Channels {
		channels[i] = "#" + sanitize(c)
	}
	return fmt.Sprintf("%s (%s) %s", sanitize(srv.Name), sanitize(srv.Id), strings.Join(channels, " "))
}
