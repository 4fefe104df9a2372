package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(analyzeCmd, rewriteCmd)
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze [query]",
	Short: "Explain a SELECT against the index store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, cleanup, err := openEngine()
		if err != nil {
			return err
		}
		defer cleanup()

		a := eng.AnalyzeQuery(cmd.Context(), args[0])
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(a)
	},
}

var rewriteCmd = &cobra.Command{
	Use:   "rewrite [query]",
	Short: "Show the query after index-hint rewriting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, cleanup, err := openEngine()
		if err != nil {
			return err
		}
		defer cleanup()

		fmt.Println(eng.RewriteQuery(cmd.Context(), args[0]))
		return nil
	},
}
