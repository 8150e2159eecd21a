package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"otelexplain/internal/backend"
	_ "otelexplain/internal/backend/ollama"
	_ "otelexplain/internal/backend/openai"
	"otelexplain/internal/core"
)

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List available LLM backends",
	RunE:  runBackends,
}

func init() {
	rootCmd.AddCommand(backendsCmd)
}

func runBackends(cmd *cobra.Command, args []string) error {
	if err := loadConfigForCwd(); err != nil {
		return err
	}

	names := backend.Names()
	if len(names) == 0 {
		fmt.Println("No backends registered")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(writer, "NAME\tDEFAULT\tMODEL\tREACHABLE")
	fmt.Fprintln(writer, "----\t-------\t-----\t---------")

	for _, name := range names {
		isDefault := ""
		if name == backend.DefaultName() {
			isDefault = "*"
		}

		model := "?"
		reachable := "no"
		instance, err := backend.New(name, core.BackendSettings(name, ""))
		if err == nil {
			model = instance.DefaultModel()
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			if err := instance.Check(ctx); err == nil {
				reachable = "yes"
			}
			cancel()
		}

		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n", name, isDefault, model, reachable)
	}

	if err := writer.Flush(); err != nil {
		return err
	}

	fmt.Println("")
	fmt.Println("Usage: otelexplain explain <config.yaml> --backend <name>")
	return nil
}
