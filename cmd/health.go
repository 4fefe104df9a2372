package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(healthCmd, reindexCmd, warmCmd, pruneCmd)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run the health checks and report findings",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, cleanup, err := openEngine()
		if err != nil {
			return err
		}
		defer cleanup()

		issues, err := eng.RunHealthCheck(cmd.Context())
		if err != nil {
			return err
		}
		if len(issues) == 0 {
			fmt.Println("All checks passed")
			return nil
		}
		for _, issue := range issues {
			fmt.Printf("[%s] %s: %s\n", issue.Severity, issue.Check, issue.Message)
			if issue.Recommendation != "" {
				fmt.Printf("         -> %s\n", issue.Recommendation)
			}
		}
		return fmt.Errorf("%d issues found", len(issues))
	},
}

var reindexCmd = &cobra.Command{
	Use:   "reindex [order-id...]",
	Short: "Rebuild index rows for the given orders, or all agent orders",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, cleanup, err := openEngine()
		if err != nil {
			return err
		}
		defer cleanup()

		ids := make([]int64, 0, len(args))
		for _, arg := range args {
			var id int64
			if _, err := fmt.Sscanf(arg, "%d", &id); err != nil {
				return fmt.Errorf("invalid order id %q", arg)
			}
			ids = append(ids, id)
		}
		n, err := eng.Reindex(cmd.Context(), ids...)
		if err != nil {
			return err
		}
		fmt.Printf("Reindexed %d orders\n", n)
		return nil
	},
}

var warmCmd = &cobra.Command{
	Use:   "warm",
	Short: "Preload the aggregate cache for the common dashboard queries",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, cleanup, err := openEngine()
		if err != nil {
			return err
		}
		defer cleanup()

		if err := eng.WarmCache(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Cache warmed")
		return nil
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Apply the performance-sample retention policy",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, cleanup, err := openEngine()
		if err != nil {
			return err
		}
		defer cleanup()

		n, err := eng.PruneSamples(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Pruned %d samples\n", n)
		return nil
	},
}
