package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/avatalk/internal/auth"
	"github.com/inercia/avatalk/internal/secrets"
)

var setRefreshToken bool

// authCmd represents the auth parent command
var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage portal credentials",
	Long: `Manage the credentials used for the portal API and chat socket.

A token is looked up in this order: --token, AVATALK_TOKEN or auth.token
in the config file, the token stored with "auth set-token", and finally
an OIDC refresh token when auth.oidc is configured.`,
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show which credential would be used",
	Args:  cobra.NoArgs,
	RunE:  runAuthStatus,
}

var authSetTokenCmd = &cobra.Command{
	Use:   "set-token [token]",
	Short: "Store a bearer token (read from stdin when omitted)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuthSetToken,
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Delete stored tokens",
	Args:  cobra.NoArgs,
	RunE:  runAuthLogout,
}

func init() {
	rootCmd.AddCommand(authCmd)
	authCmd.AddCommand(authStatusCmd, authSetTokenCmd, authLogoutCmd)

	authSetTokenCmd.Flags().BoolVar(&setRefreshToken, "refresh", false, "Store an OIDC refresh token instead of a bearer token")
}

func runAuthStatus(cmd *cobra.Command, args []string) error {
	store, err := secretStore()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if cfg.Auth.Token != "" {
		fmt.Fprintln(out, "Configured token: yes")
	} else {
		fmt.Fprintln(out, "Configured token: no")
	}
	_, err = store.Get(secrets.ServiceName, secrets.AccountBearerToken)
	fmt.Fprintf(out, "Stored token:     %s\n", storedState(err))
	if cfg.Auth.OIDC.Enabled() {
		_, err = store.Get(secrets.ServiceName, secrets.AccountRefreshToken)
		fmt.Fprintf(out, "OIDC (%s): refresh token %s\n", cfg.Auth.OIDC.Issuer, storedState(err))
	}

	tok, err := tokenSource(store).Token(cmd.Context())
	switch {
	case errors.Is(err, auth.ErrNoCredential):
		fmt.Fprintln(out, "Active:           none, requests are anonymous and chat needs a token")
	case err != nil:
		fmt.Fprintf(out, "Active:           error: %v\n", err)
	default:
		fmt.Fprintf(out, "Active:           %s\n", describeToken(tok, time.Now()))
	}
	return nil
}

func storedState(err error) string {
	switch {
	case err == nil:
		return "yes"
	case errors.Is(err, secrets.ErrNotFound), errors.Is(err, secrets.ErrNotSupported):
		return "no"
	default:
		return "error: " + err.Error()
	}
}

// describeToken shows a short token prefix and, for JWTs, when it expires.
func describeToken(tok string, now time.Time) string {
	shown := tok
	if len(shown) > 8 {
		shown = shown[:8] + "…"
	}
	exp, ok := auth.TokenExpiry(tok)
	if !ok {
		return shown + " (no expiry)"
	}
	return fmt.Sprintf("%s (expires %s, in %s)", shown, exp.Local().Format(time.RFC3339), exp.Sub(now).Round(time.Second))
}

func runAuthSetToken(cmd *cobra.Command, args []string) error {
	var tok string
	if len(args) == 1 {
		tok = args[0]
	} else {
		var err error
		if tok, err = readToken(cmd.InOrStdin()); err != nil {
			return err
		}
	}
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return errors.New("empty token")
	}

	account := secrets.AccountBearerToken
	if setRefreshToken {
		account = secrets.AccountRefreshToken
	} else if exp, ok := auth.TokenExpiry(tok); ok && !exp.After(time.Now()) {
		return fmt.Errorf("token expired at %s", exp.Format(time.RFC3339))
	}

	store, err := secretStore()
	if err != nil {
		return err
	}
	if err := store.Set(secrets.ServiceName, account, tok); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ Stored %s\n", account)
	return nil
}

func readToken(in io.Reader) (string, error) {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	return line, nil
}

func runAuthLogout(cmd *cobra.Command, args []string) error {
	store, err := secretStore()
	if err != nil {
		return err
	}
	for _, account := range []string{secrets.AccountBearerToken, secrets.AccountRefreshToken} {
		err := store.Delete(secrets.ServiceName, account)
		if err != nil && !errors.Is(err, secrets.ErrNotFound) && !errors.Is(err, secrets.ErrNotSupported) {
			return fmt.Errorf("failed to delete %s: %w", account, err)
		}
	}
	fmt.Fprintln(cmd.OutOrStdout(), "👋 Stored tokens deleted")
	return nil
}
