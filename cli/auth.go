// ABOUTME: OAuth authorization command for connecting a Google account
// ABOUTME: Runs a local callback server, exchanges the code and stores the token per user
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/harperreed/compass-sync/sync"
)

// AuthCommand authorizes calendar access for a user and saves the token.
func AuthCommand(app *App, args []string) error {
	fs := flag.NewFlagSet("auth", flag.ExitOnError)
	userID := fs.String("user", "", "User ID to store the token under (required)")
	noBrowser := fs.Bool("no-browser", false, "Print the URL instead of opening a browser")
	timeout := fs.Duration("timeout", 5*time.Minute, "How long to wait for the callback")
	_ = fs.Parse(args)

	if *userID == "" {
		return fmt.Errorf("--user is required")
	}

	cfg := sync.NewOAuthConfig(app.Config.Google.ClientID, app.Config.Google.ClientSecret, app.Config.Google.RedirectURL)
	if err := sync.ValidateOAuthConfig(cfg); err != nil {
		return err
	}

	redirect, err := url.Parse(cfg.RedirectURL)
	if err != nil {
		return fmt.Errorf("invalid redirect URL: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	state := uuid.NewString()
	tokenCh := make(chan *oauth2.Token, 1)
	errCh := make(chan error, 1)
	fail := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc(redirect.Path, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			fail(errors.New("state mismatch in OAuth callback"))
			return
		}
		code := r.URL.Query().Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			fail(errors.New("no authorization code received"))
			return
		}

		token, err := cfg.Exchange(ctx, code)
		if err != nil {
			http.Error(w, "exchange failed", http.StatusBadGateway)
			fail(fmt.Errorf("failed to exchange code: %w", err))
			return
		}

		select {
		case tokenCh <- token:
		default:
		}
		_, _ = fmt.Fprintf(w, "Authorization successful! You can close this window.")
	})

	server := &http.Server{Addr: redirect.Host, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fail(err)
		}
	}()
	defer func() { _ = server.Shutdown(context.Background()) }()

	authURL := cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)

	fmt.Println("Opening browser for Google OAuth...")
	fmt.Printf("\nIf browser doesn't open, visit this URL:\n%s\n\n", authURL)
	if !*noBrowser {
		_ = openBrowser(authURL)
	}

	select {
	case token := <-tokenCh:
		if err := app.Tokens.SaveToken(ctx, *userID, token); err != nil {
			return fmt.Errorf("failed to save token: %w", err)
		}
		fmt.Printf("\n✓ Authenticated %s\n", *userID)
		fmt.Printf("Run 'compass-sync connect --user %s' to import a calendar.\n", *userID)
		return nil
	case err := <-errCh:
		return fmt.Errorf("OAuth flow failed: %w", err)
	case <-ctx.Done():
		return fmt.Errorf("OAuth flow timed out: %w", ctx.Err())
	}
}

// openBrowser attempts to open url in the default browser.
func openBrowser(url string) error {
	var cmd string
	var args []string

	switch runtime.GOOS {
	case "darwin":
		cmd = "open"
		args = []string{url}
	case "windows":
		cmd = "cmd"
		args = []string{"/c", "start", url}
	default:
		cmd = "xdg-open"
		args = []string{url}
	}

	return exec.Command(cmd, args...).Start()
}
