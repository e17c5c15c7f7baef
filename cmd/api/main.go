package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"authgate/app"
	"authgate/internal/maintenance"
	"authgate/internal/signing"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "authgate",
		Short:         "Credential, session and request-signing gateway",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newServeCmd(), newCleanupCmd(), newSignCmd(), newKeygenCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var noJanitor bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := app.Build(app.Options{LoadDotEnv: true})
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if !noJanitor {
				janitor, err := maintenance.NewJanitor(rt.Cleaner, rt.Config.CleanupSchedule, rt.Logger)
				if err != nil {
					return err
				}
				janitor.Start()
				defer func() {
					stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					janitor.Stop(stopCtx)
				}()
			}

			server := &http.Server{
				Addr:              ":" + rt.Config.Port,
				Handler:           rt.Handler,
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				rt.Logger.Info("server_start", map[string]any{"addr": server.Addr})
				errCh <- server.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					rt.Logger.Error("server_failed", map[string]any{"error": err.Error()})
					return err
				}
				return nil
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			rt.Logger.Info("server_shutdown", nil)
			return server.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().BoolVar(&noJanitor, "no-janitor", false, "do not run periodic cleanup in this process")
	return cmd
}

func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Purge expired and revoked sessions once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := app.Build(app.Options{LoadDotEnv: true})
			if err != nil {
				return err
			}
			defer rt.Close()

			res, err := rt.Cleaner.Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d sessions, %d refresh tokens\n", res.DeletedSessions, res.DeletedRefreshTokens)
			return nil
		},
	}
}

func newSignCmd() *cobra.Command {
	var (
		key    string
		nonce  string
		method string
		path   string
	)

	cmd := &cobra.Command{
		Use:   "sign [message]",
		Short: "Print a signature envelope for a message, or for a request when --path is set",
		Long: "Reads the message from the argument or stdin. With --path the message is the request body and " +
			"the envelope covers METHOD|path|body, ready for the X-Signature header.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				key = os.Getenv("SIGNING_KEY")
			}
			raw, err := signing.DecodeKey(strings.TrimSpace(key))
			if err != nil {
				return err
			}
			signer, err := signing.NewSigner(raw)
			if err != nil {
				return err
			}

			var message []byte
			if len(args) == 1 {
				message = []byte(args[0])
			} else {
				message, err = io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read message: %w", err)
				}
			}
			if path != "" {
				message = signing.CanonicalRequest(method, path, "", message)
			}

			env := signer.Sign(message)
			if nonce != "" {
				env = signer.SignWithNonce(message, nonce)
			}
			encoded, err := env.Encode()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), encoded)
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "base64 signing key (defaults to $SIGNING_KEY)")
	cmd.Flags().StringVar(&nonce, "nonce", "", "bind a single-use nonce")
	cmd.Flags().StringVar(&method, "method", http.MethodPost, "request method, with --path")
	cmd.Flags().StringVar(&path, "path", "", "sign as an HTTP request to this path")
	return cmd
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a random signing key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := signing.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(key))
			return nil
		},
	}
}
