package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	bruhmcp "github.com/MyAirVault/BruhMCP-sub018"
	"github.com/MyAirVault/BruhMCP-sub018/pkg/client"
)

// apiFlags are shared by the client-side commands.
type apiFlags struct {
	URL     string
	Timeout time.Duration
}

func (f *apiFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.URL, "api", "http://127.0.0.1:8420", "control API base URL")
	cmd.Flags().DurationVar(&f.Timeout, "timeout", 30*time.Second, "request timeout")
}

func (f *apiFlags) client() *client.Client {
	return client.New(f.URL, client.WithTimeout(f.Timeout))
}

func buildRoot() *cobra.Command {
	root := &cobra.Command{
		Use:   "bruhmcpd",
		Short: "Per-tenant worker process supervisor",
		Long: "bruhmcpd provisions, supervises and retires worker processes that front\n" +
			"third-party service APIs, one OS process per tenant service instance.",
		SilenceUsage: true,
	}
	root.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newActivateCmd(),
		newDeactivateCmd(),
		newStatusCmd(),
		newListCmd(),
		newRefreshCmd(),
		newSessionsCmd(),
	)
	return root
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fc, err := bruhmcp.LoadConfig(configPath)
			if err != nil {
				return err
			}
			d, err := bruhmcp.NewDaemon(fc)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return d.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to bruhmcpd.toml")
	return cmd
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Run as a spawned worker process (internal)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return bruhmcp.RunWorker(ctx)
		},
	}
}

func newActivateCmd() *cobra.Command {
	var f apiFlags
	var service, owner, credFile string
	cmd := &cobra.Command{
		Use:   "activate <instance-id>",
		Short: "Spawn a worker for an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := bruhmcp.ActivateRequest{
				InstanceID:  args[0],
				ServiceType: service,
				OwnerID:     owner,
			}
			if credFile != "" {
				b, err := os.ReadFile(credFile) // #nosec G304
				if err != nil {
					return err
				}
				var cred bruhmcp.Credential
				if err := json.Unmarshal(b, &cred); err != nil {
					return fmt.Errorf("parse credential file: %w", err)
				}
				req.Credential = &cred
			}
			rec, err := f.client().Activate(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(rec)
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&service, "service", "", "service type (slack, github, drive, ...)")
	cmd.Flags().StringVar(&owner, "owner", "", "owner/tenant ID")
	cmd.Flags().StringVar(&credFile, "credential-file", "", "JSON credential to store before activation")
	_ = cmd.MarkFlagRequired("service")
	return cmd
}

func newDeactivateCmd() *cobra.Command {
	var f apiFlags
	cmd := &cobra.Command{
		Use:   "deactivate <instance-id>",
		Short: "Stop an instance's worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stopped, err := f.client().Deactivate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !stopped {
				fmt.Println("no worker was running")
				return nil
			}
			fmt.Println("stopped")
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newStatusCmd() *cobra.Command {
	var f apiFlags
	cmd := &cobra.Command{
		Use:   "status <instance-id>",
		Short: "Show one instance's durable and live state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := f.client().GetInstance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(info)
		},
	}
	f.register(cmd)
	return cmd
}

func newListCmd() *cobra.Command {
	var f apiFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all known instances",
		RunE: func(cmd *cobra.Command, _ []string) error {
			metas, err := f.client().ListInstances(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(metas)
		},
	}
	f.register(cmd)
	return cmd
}

func newRefreshCmd() *cobra.Command {
	var f apiFlags
	cmd := &cobra.Command{
		Use:   "refresh <instance-id>",
		Short: "Force a token refresh for an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := f.client().Refresh(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("refreshed")
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newSessionsCmd() *cobra.Command {
	var f apiFlags
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Show handler session statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := f.client().SessionStats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	}
	f.register(cmd)
	return cmd
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
