package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/agentic-commerce/agentindex/api"
	"github.com/spf13/cobra"
)

var rollbackConfirmed bool

func init() {
	rollbackCmd.Flags().BoolVar(&rollbackConfirmed, "yes", false, "Confirm the rollback")
	migrateCmd.AddCommand(migrateRunCmd, migrateStatusCmd, verifyCmd, rollbackCmd)
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate agent orders to the normalized representation",
}

var migrateRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the migration to completion, batch by batch",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, cleanup, err := openEngine()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx := cmd.Context()
		if err := eng.StartMigration(ctx); err != nil {
			return err
		}
		for eng.MigrationStatus().State != api.MigrationCompleted {
			n, err := eng.RunMigrationBatch(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				fmt.Printf("Processed %d orders (%d total)\n", n, eng.MigrationStatus().ProcessedCount)
			}
		}

		st := eng.MigrationStatus()
		fmt.Printf("Migration complete: %d orders processed", st.ProcessedCount)
		if len(st.Errors) > 0 {
			fmt.Printf(", %d failed:\n", len(st.Errors))
			for id, msg := range st.Errors {
				fmt.Printf("  order %d: %s\n", id, msg)
			}
			return fmt.Errorf("%d orders failed; rerun 'migrate run' to retry them", len(st.Errors))
		}
		fmt.Println()
		return nil
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the migration job state",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, cleanup, err := openEngine()
		if err != nil {
			return err
		}
		defer cleanup()

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(eng.MigrationStatus())
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Re-check every migrated order",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, cleanup, err := openEngine()
		if err != nil {
			return err
		}
		defer cleanup()

		res, err := eng.VerifyMigration(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Verified %d/%d migrated orders\n", res.Verified, res.Total)
		if len(res.Errors) > 0 {
			fmt.Printf("Failed verification: %v\n", res.Errors)
			return fmt.Errorf("%d orders failed verification", len(res.Errors))
		}
		return nil
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Revert the migration (destructive, requires --yes)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !rollbackConfirmed {
			return fmt.Errorf("rollback removes migration markers and derived fields; pass --yes to confirm")
		}
		eng, cleanup, err := openEngine()
		if err != nil {
			return err
		}
		defer cleanup()

		if err := eng.RollbackMigration(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Migration rolled back")
		return nil
	},
}
