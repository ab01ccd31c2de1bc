package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcourtman/kubebroker/internal/config"
	"github.com/rcourtman/kubebroker/internal/tokens"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage executor tokens directly in the store",
	Long: `Issue, revoke and list executor tokens without going through the admin API.
These commands need a persistent store (sqlite or postgres) shared with the running broker.`,
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue CLUSTER_ID",
	Short: "Issue a token for a cluster, replacing any existing one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		custom, _ := cmd.Flags().GetString("token")
		return withTokenService(cmd, func(ctx context.Context, svc *tokens.Service) error {
			raw, record, err := svc.Issue(ctx, args[0], custom)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Cluster: %s\n", record.ClusterID)
			fmt.Fprintf(out, "Token:   %s\n", raw)
			fmt.Fprintln(out, "Store this token now; it cannot be shown again.")
			return nil
		})
	},
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke CLUSTER_ID",
	Short: "Revoke a cluster's token immediately",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTokenService(cmd, func(ctx context.Context, svc *tokens.Service) error {
			if err := svc.Revoke(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked token for %s\n", args[0])
			return nil
		})
	},
}

var tokenListCmd = &cobra.Command{
	Use:   "list",
	Short: "List clusters with tokens",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTokenService(cmd, func(ctx context.Context, svc *tokens.Service) error {
			clusters, err := svc.ListClusters(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CLUSTER\tTOKEN\tCONNECTED\tREVOKED\tLAST SEEN")
			for _, c := range clusters {
				lastSeen := "never"
				if c.LastSeen != nil {
					lastSeen = c.LastSeen.UTC().Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%s\n", c.ID, c.TokenHint, c.Connected, c.Revoked, lastSeen)
			}
			return w.Flush()
		})
	},
}

func init() {
	tokenIssueCmd.Flags().String("token", "", "Use this value instead of generating a token (min 16 characters)")
	tokenCmd.AddCommand(tokenIssueCmd, tokenRevokeCmd, tokenListCmd)
}

func withTokenService(cmd *cobra.Command, fn func(context.Context, *tokens.Service) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.StoreDriver == config.StoreMemory {
		return fmt.Errorf("token commands need a persistent store; set --store sqlite or postgres")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	backend, _, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	return fn(ctx, tokens.NewService(backend, tokens.NewPresence(backend, tokens.WithFreshness(cfg.PresenceFreshness))))
}
