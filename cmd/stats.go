package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/agentic-commerce/agentindex/api"
	"github.com/spf13/cobra"
)

var (
	statsPeriod string
	topLimit    int
	topMetric   string
	asJSON      bool
)

func init() {
	statsCmd.Flags().StringVarP(&statsPeriod, "period", "p", "month", "Aggregation window (day|week|month|year)")
	statsCmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON instead of a table")
	topCmd.Flags().IntVarP(&topLimit, "limit", "n", 10, "Number of agents to list")
	topCmd.Flags().StringVarP(&topMetric, "by", "m", "revenue", "Ranking metric (revenue|orders)")
	mandatesCmd.Flags().StringVarP(&statsPeriod, "period", "p", "month", "Aggregation window (day|week|month|year)")
	mandatesCmd.Flags().IntVarP(&topLimit, "limit", "n", 10, "Number of mandates to list")
	perfCmd.Flags().StringVarP(&statsPeriod, "period", "p", "month", "Aggregation window (day|week|month|year)")
	rootCmd.AddCommand(statsCmd, topCmd, mandatesCmd, perfCmd)
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate agent-order statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, cleanup, err := openEngine()
		if err != nil {
			return err
		}
		defer cleanup()

		stats, err := eng.AgentStatistics(cmd.Context(), api.Period(statsPeriod))
		if err != nil {
			return err
		}
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		}
		fmt.Printf("Agent orders (%s):\n", statsPeriod)
		fmt.Printf("  orders:        %d\n", stats.TotalOrders)
		fmt.Printf("  revenue:       %s\n", stats.TotalRevenue.StringFixed(2))
		fmt.Printf("  unique agents: %d\n", stats.UniqueAgents)
		fmt.Printf("  avg order:     %s\n", stats.AvgOrderValue.StringFixed(2))
		if len(stats.TopAgents) > 0 {
			fmt.Println("  top agents:")
			for _, a := range stats.TopAgents {
				fmt.Printf("    %-20s %6d orders  %12s\n", a.AgentID, a.OrderCount, a.TotalRevenue.StringFixed(2))
			}
		}
		return nil
	},
}

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Rank agents by revenue or order count",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, cleanup, err := openEngine()
		if err != nil {
			return err
		}
		defer cleanup()

		agents, err := eng.TopAgents(cmd.Context(), topLimit, api.TopAgentMetric(topMetric))
		if err != nil {
			return err
		}
		for i, a := range agents {
			fmt.Printf("%2d. %-20s %6d orders  %12s  avg %s\n",
				i+1, a.AgentID, a.OrderCount, a.TotalRevenue.StringFixed(2), a.AvgOrderValue.StringFixed(2))
		}
		return nil
	},
}

var mandatesCmd = &cobra.Command{
	Use:   "mandates",
	Short: "Show per-mandate usage, category and risk",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, cleanup, err := openEngine()
		if err != nil {
			return err
		}
		defer cleanup()

		stats, err := eng.MandateUsageStats(cmd.Context(), api.Period(statsPeriod), topLimit)
		if err != nil {
			return err
		}
		for _, m := range stats {
			fmt.Printf("%-30s %-12s risk %3d  %6d uses  %12s  %d agents\n",
				m.MandateToken, m.Category, m.RiskScore, m.UsageCount,
				m.TotalValue.StringFixed(2), m.UniqueAgents)
		}
		return nil
	},
}

var perfCmd = &cobra.Command{
	Use:   "perf [agent-id]",
	Short: "Show one agent's performance against the population",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, cleanup, err := openEngine()
		if err != nil {
			return err
		}
		defer cleanup()

		p, err := eng.AgentPerformance(cmd.Context(), args[0], api.Period(statsPeriod))
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	},
}
