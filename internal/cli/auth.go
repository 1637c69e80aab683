package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

type credentialFlags struct {
	username string
	password string
}

func (f *credentialFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.username, "username", "u", "", "username or email address")
	cmd.Flags().StringVarP(&f.password, "password", "p", "", "password (prompted when omitted)")
}

func (a *app) prompt(label, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(a.out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(a.out, "%s: ", label)
	}

	line, err := a.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("read %s: %w", strings.ToLower(label), err)
	}

	line = strings.TrimSpace(line)
	if line == "" {
		return def, nil
	}
	return line, nil
}

func (a *app) credentials(f *credentialFlags, defUser string) (string, string, error) {
	username, password := f.username, f.password

	var err error
	if username == "" {
		if username, err = a.prompt("Username", defUser); err != nil {
			return "", "", err
		}
	}
	if password == "" {
		if password, err = a.prompt("Password", ""); err != nil {
			return "", "", err
		}
	}

	if username == "" || password == "" {
		return "", "", fmt.Errorf("username and password are required")
	}
	return username, password, nil
}

func (a *app) signUpCmd() *cobra.Command {
	var f credentialFlags
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account and sign in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			username, password, err := a.credentials(&f, "")
			if err != nil {
				return err
			}

			sess, err := a.auth.SignUp(cmd.Context(), username, password)
			if err != nil {
				return err
			}

			fmt.Fprintf(a.out, "Welcome, %s!\n", sanitize(a.displayName(&sess.User)))
			return nil
		},
	}
	f.bind(cmd)
	return cmd
}

func (a *app) signInCmd() *cobra.Command {
	var f credentialFlags
	cmd := &cobra.Command{
		Use:   "signin",
		Short: "Sign in to an existing account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			username, password, err := a.credentials(&f, a.auth.RememberedUsername())
			if err != nil {
				return err
			}

			sess, err := a.auth.SignIn(cmd.Context(), username, password)
			if err != nil {
				return err
			}

			fmt.Fprintf(a.out, "Signed in as %s\n", sanitize(a.displayName(&sess.User)))
			return nil
		},
	}
	f.bind(cmd)
	return cmd
}

func (a *app) signOutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "signout",
		Short: "Sign out and forget the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.auth.SignOut(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "Signed out")
			return nil
		},
	}
}

func (a *app) whoAmICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := a.requireUser(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprintf(a.out, "%s <%s>\n", sanitize(a.displayName(u)), sanitize(u.EmailAddress))
			return nil
		},
	}
}
