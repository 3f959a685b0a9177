package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/commercemirror/storesync/pkg/fetcher"
	"github.com/commercemirror/storesync/pkg/logging"
	"github.com/commercemirror/storesync/pkg/scheduler"
	"github.com/commercemirror/storesync/pkg/store"
	"github.com/commercemirror/storesync/pkg/sync"
	"github.com/commercemirror/storesync/pkg/types"
)

const envPrefix = "storesync"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	mainCmd := &cobra.Command{
		Use:           "storesync",
		Short:         "Mirror commerce data from remote shops into a local store",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			outputs := []string{"stderr"}
			if logFile := v.GetString("log-file"); logFile != "" {
				outputs = []string{logFile}
			}
			loggerCtx, err := logging.Init(cmd.Context(),
				logging.WithLogLevel(v.GetString("log-level")),
				logging.WithLogFormat(v.GetString("log-format")),
				logging.WithOutputPaths(outputs),
			)
			if err != nil {
				return err
			}
			cmd.SetContext(loggerCtx)
			return nil
		},
	}

	pf := mainCmd.PersistentFlags()
	pf.String("db-path", "storesync.db", "path to the local mirror database")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("log-format", logging.LogFormatJSON, "log output format (json or console)")
	pf.String("log-file", "", "log to a rotated file instead of stderr")
	if err := v.BindPFlags(pf); err != nil {
		return err
	}

	// Environment values win over flag defaults but not over explicit flags.
	pf.VisitAll(func(f *pflag.Flag) {
		if !f.Changed && v.IsSet(f.Name) {
			_ = pf.Set(f.Name, v.GetString(f.Name))
		}
	})

	mainCmd.AddCommand(
		serveCmd(v),
		syncCmd(v),
		historyCmd(v),
		tenantsCmd(v),
	)

	return mainCmd.ExecuteContext(ctx)
}

func openStore(ctx context.Context, v *viper.Viper) (*store.Store, error) {
	return store.New(ctx, v.GetString("db-path"))
}

func serveCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync scheduler until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s, err := openStore(ctx, v)
			if err != nil {
				return err
			}
			defer s.Close()

			sched, err := scheduler.New(s,
				sync.Runners(s, fetcher.NewRESTFetcher()),
				scheduler.WithPollInterval(v.GetDuration("poll-interval")),
				scheduler.WithMaxConcurrent(v.GetInt("max-concurrent")),
			)
			if err != nil {
				return err
			}

			if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().Duration("poll-interval", time.Minute, "how often to check for due syncs")
	cmd.Flags().Int("max-concurrent", 4, "maximum syncs running at once")
	_ = v.BindPFlags(cmd.Flags())
	return cmd
}

func syncCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync immediately for a tenant and resource",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			resource, err := types.ParseResourceType(v.GetString("resource"))
			if err != nil {
				return err
			}

			var opts *types.RangeOptions
			if since := v.GetString("since"); since != "" {
				start, err := time.Parse(time.RFC3339, since)
				if err != nil {
					return fmt.Errorf("parsing --since: %w", err)
				}
				opts = &types.RangeOptions{Start: start}
				if until := v.GetString("until"); until != "" {
					end, err := time.Parse(time.RFC3339, until)
					if err != nil {
						return fmt.Errorf("parsing --until: %w", err)
					}
					opts.End = end
				}
			}

			s, err := openStore(ctx, v)
			if err != nil {
				return err
			}
			defer s.Close()

			sched, err := scheduler.New(s, sync.Runners(s, fetcher.NewRESTFetcher()))
			if err != nil {
				return err
			}

			res, err := sched.SyncNow(ctx, v.GetInt64("tenant"), resource, opts)
			if err != nil {
				return err
			}
			if res.Err != nil {
				return fmt.Errorf("sync %s: %w", res.Outcome, res.Err)
			}
			cmd.Printf("run %s: %d records across %d pages\n",
				res.RunID, res.RecordsProcessed, res.Pages)
			return nil
		},
	}
	cmd.Flags().Int64("tenant", 0, "tenant id to sync")
	cmd.Flags().String("resource", "", "resource type (customers, orders, products)")
	cmd.Flags().String("since", "", "sync records updated after this RFC3339 time")
	cmd.Flags().String("until", "", "sync records updated before this RFC3339 time")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("resource")
	_ = v.BindPFlags(cmd.Flags())
	return cmd
}

func historyCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent sync runs for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var resource types.ResourceType
			if r := v.GetString("resource"); r != "" {
				var err error
				resource, err = types.ParseResourceType(r)
				if err != nil {
					return err
				}
			}

			s, err := openStore(ctx, v)
			if err != nil {
				return err
			}
			defer s.Close()

			runs, err := s.ListRuns(ctx, v.GetInt64("tenant"), resource, v.GetUint("limit"))
			if err != nil {
				return err
			}

			for _, r := range runs {
				line := fmt.Sprintf("%s  %-9s  %-9s  %6d records  started %s",
					r.RunID, r.ResourceType, r.Status, r.RecordsProcessed,
					r.StartedAt.Format(time.RFC3339))
				if r.ErrorMessage != "" {
					line += "  error: " + r.ErrorMessage
				}
				cmd.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().Int64("tenant", 0, "tenant id")
	cmd.Flags().String("resource", "", "filter by resource type")
	cmd.Flags().Uint("limit", 20, "maximum runs to show")
	_ = cmd.MarkFlagRequired("tenant")
	_ = v.BindPFlags(cmd.Flags())
	return cmd
}

func tenantsCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenants",
		Short: "Manage tenants",
	}

	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Register a tenant",
		RunE: func(c *cobra.Command, args []string) error {
			ctx := c.Context()

			s, err := openStore(ctx, v)
			if err != nil {
				return err
			}
			defer s.Close()

			id, err := s.CreateTenant(ctx,
				v.GetString("name"),
				v.GetString("domain"),
				v.GetString("token"),
			)
			if err != nil {
				return err
			}
			c.Printf("tenant %d created\n", id)
			return nil
		},
	}
	addCmd.Flags().String("name", "", "display name")
	addCmd.Flags().String("domain", "", "shop domain")
	addCmd.Flags().String("token", "", "API access token")
	_ = addCmd.MarkFlagRequired("name")
	_ = addCmd.MarkFlagRequired("domain")
	_ = v.BindPFlags(addCmd.Flags())

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all tenants",
		RunE: func(c *cobra.Command, args []string) error {
			ctx := c.Context()

			s, err := openStore(ctx, v)
			if err != nil {
				return err
			}
			defer s.Close()

			tenants, err := s.ListAllTenants(ctx)
			if err != nil {
				return err
			}

			for _, t := range tenants {
				status := "inactive"
				if t.IsActive {
					status = "active"
				}
				lastSynced := "never"
				if t.LastSyncedAt != nil {
					lastSynced = t.LastSyncedAt.Format(time.RFC3339)
				}
				c.Printf("%4d  %-24s  %-32s  %-8s  last synced %s\n",
					t.ID, t.Name, t.ShopDomain, status, lastSynced)
			}
			return nil
		},
	}

	cmd.AddCommand(addCmd, listCmd)
	return cmd
}
