package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"quotapool/internal/auth"
	"quotapool/internal/config"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

// NewRootCommand builds the quotapool command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "quotapool",
		Short:         "Rate-limited account pool",
		Long:          "quotapool leases service accounts per queue, rotates their proxies and tracks usage.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the admin API and lock janitor",
			Args:  cobra.NoArgs,
			RunE: withRuntime(func(ctx context.Context, rt *Runtime, _ io.Writer, _ []string) error {
				return rt.Serve(ctx)
			}),
		},
		&cobra.Command{
			Use:     "add-accounts FILE FORMAT",
			Short:   "Add accounts from a file, e.g. FORMAT=username:password:email:email_password",
			Example: "quotapool add-accounts accounts.txt username:password:email:email_password:_:cookies",
			Args:    cobra.ExactArgs(2),
			RunE: withRuntime(func(ctx context.Context, rt *Runtime, out io.Writer, args []string) error {
				n, err := rt.Pool.LoadFromFile(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "processed %d lines\n", n)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "del-accounts USERNAME...",
			Short: "Delete accounts by username",
			Args:  cobra.MinimumNArgs(1),
			RunE: withRuntime(func(ctx context.Context, rt *Runtime, out io.Writer, args []string) error {
				n, err := rt.Pool.Delete(ctx, args...)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "deleted %d accounts\n", n)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "add-proxies FILE",
			Short: "Add proxies from a file with one URL per line",
			Args:  cobra.ExactArgs(1),
			RunE: withRuntime(func(ctx context.Context, rt *Runtime, out io.Writer, args []string) error {
				n, err := rt.Registry.LoadFromFile(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "submitted %d proxies\n", n)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "accounts",
			Short: "List accounts",
			Args:  cobra.NoArgs,
			RunE: withRuntime(func(ctx context.Context, rt *Runtime, out io.Writer, _ []string) error {
				infos, err := rt.Pool.AccountsInfo(ctx)
				if err != nil {
					return err
				}
				return printJSON(out, infos)
			}),
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Show pool statistics",
			Args:  cobra.NoArgs,
			RunE: withRuntime(func(ctx context.Context, rt *Runtime, out io.Writer, _ []string) error {
				stats, err := rt.Pool.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSON(out, stats.Rows())
			}),
		},
		&cobra.Command{
			Use:   "reset-locks",
			Short: "Clear every queue lock",
			Args:  cobra.NoArgs,
			RunE: withRuntime(func(ctx context.Context, rt *Runtime, _ io.Writer, _ []string) error {
				return rt.Pool.ResetLocks(ctx)
			}),
		},
		&cobra.Command{
			Use:   "relogin USERNAME...",
			Short: "Reset session state and log the accounts in again",
			Args:  cobra.MinimumNArgs(1),
			RunE: withRuntime(func(ctx context.Context, rt *Runtime, out io.Writer, args []string) error {
				counter, err := rt.Pool.Relogin(ctx, args...)
				if err != nil {
					return err
				}
				return printJSON(out, counter)
			}),
		},
		&cobra.Command{
			Use:   "relogin-failed",
			Short: "Retry login for inactive accounts with an error",
			Args:  cobra.NoArgs,
			RunE: withRuntime(func(ctx context.Context, rt *Runtime, out io.Writer, _ []string) error {
				counter, err := rt.Pool.ReloginFailed(ctx)
				if err != nil {
					return err
				}
				return printJSON(out, counter)
			}),
		},
		&cobra.Command{
			Use:   "delete-inactive",
			Short: "Delete every inactive account",
			Args:  cobra.NoArgs,
			RunE: withRuntime(func(ctx context.Context, rt *Runtime, out io.Writer, _ []string) error {
				n, err := rt.Pool.DeleteInactive(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "deleted %d accounts\n", n)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "fetch QUEUE URL",
			Short: "GET a URL on a leased account and print the response body",
			Args:  cobra.ExactArgs(2),
			RunE: withRuntime(func(ctx context.Context, rt *Runtime, out io.Writer, args []string) error {
				client, err := rt.NewQueueClient(args[0])
				if err != nil {
					return err
				}
				defer client.Close()

				resp, err := client.Get(ctx, args[1])
				if err != nil {
					return err
				}
				if resp.StatusCode >= 400 {
					log.Warn("fetch returned error status", "queue", args[0], "status", resp.StatusCode)
				}
				_, err = out.Write(resp.Body)
				return err
			}),
		},
		newTokenCommand(),
	)

	return root
}

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token SUBJECT",
		Short: "Mint an admin API token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ttl, _ := cmd.Flags().GetDuration("ttl")
			tokens, err := auth.NewTokenManager(cfg.AdminJWTSecret, auth.WithTTL(ttl))
			if err != nil {
				return err
			}
			token, err := tokens.Issue(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().Duration("ttl", auth.DefaultTokenTTL, "token lifetime")
	return cmd
}

type runtimeFunc func(ctx context.Context, rt *Runtime, out io.Writer, args []string) error

func withRuntime(fn runtimeFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		rt, err := Bootstrap(ctx, cfg)
		if err != nil {
			return err
		}
		defer rt.Close()

		return fn(ctx, rt, cmd.OutOrStdout(), args)
	}
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
