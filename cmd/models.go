package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"otelexplain/internal/backend"
	"otelexplain/internal/config"
	"otelexplain/internal/core"
)

var modelsBackend string

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List models available on a backend",
	RunE:  runModels,
}

func init() {
	modelsCmd.Flags().StringVarP(&modelsBackend, "backend", "b", "", "LLM backend (default: configured backend)")
	rootCmd.AddCommand(modelsCmd)
}

func runModels(cmd *cobra.Command, args []string) error {
	if err := loadConfigForCwd(); err != nil {
		return err
	}

	name := strings.TrimSpace(modelsBackend)
	if name == "" {
		if value, ok := config.GetConfig("backend"); ok {
			name = strings.TrimSpace(value)
		}
	}
	if name == "" {
		name = backend.DefaultName()
	}

	instance, err := backend.New(name, core.BackendSettings(name, ""))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	models, err := instance.Models(ctx)
	if err != nil {
		return err
	}
	if len(models) == 0 {
		fmt.Println("No models reported")
		return nil
	}

	defaultModel := instance.DefaultModel()
	for _, model := range models {
		marker := ""
		if model == defaultModel {
			marker = " (default)"
		}
		fmt.Printf("%s%s\n", model, marker)
	}
	return nil
}
