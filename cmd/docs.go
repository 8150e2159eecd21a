package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"otelexplain/internal/docs"
)

var docsForce bool

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "Manage the local documentation cache",
	Long:  "Manage the local cache of upstream collector component READMEs. Cached excerpts are passed to the LLM as reference context during explain runs.",
	RunE:  runDocsStatus,
}

var docsUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Download component documentation for offline context",
	Args:  cobra.NoArgs,
	RunE:  runDocsUpdate,
}

var docsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show documentation cache status",
	Args:  cobra.NoArgs,
	RunE:  runDocsStatus,
}

func init() {
	docsUpdateCmd.Flags().BoolVar(&docsForce, "force", false, "Refresh even if the cache is fresh")
	docsCmd.AddCommand(docsUpdateCmd)
	docsCmd.AddCommand(docsStatusCmd)
	rootCmd.AddCommand(docsCmd)
}

func runDocsUpdate(cmd *cobra.Command, args []string) error {
	if err := loadConfigForCwd(); err != nil {
		return err
	}
	manager, err := docs.NewManager(docs.Options{})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Updating documentation cache in %s...\n", manager.Dir())
	stats, err := manager.Update(ctx, docsForce)
	if err != nil {
		return err
	}

	if stats.Skipped {
		fmt.Println("Cache is fresh; nothing to do (use --force to refresh).")
		return nil
	}
	fmt.Printf("Fetched %d documents (%d failed).\n", stats.Fetched, stats.Failed)
	return nil
}

func runDocsStatus(cmd *cobra.Command, args []string) error {
	if err := loadConfigForCwd(); err != nil {
		return err
	}
	manager, err := docs.NewManager(docs.Options{})
	if err != nil {
		return err
	}

	info := manager.Status()
	fmt.Printf("Directory: %s\n", info.Dir)
	if info.UpdatedAt.IsZero() {
		fmt.Println("Last update: never")
	} else {
		fmt.Printf("Last update: %s\n", info.UpdatedAt.UTC().Format(time.RFC3339))
	}
	fmt.Printf("Cached documents: %d\n", info.Files)
	if info.Stale {
		fmt.Println("Cache is stale; run: otelexplain docs update")
	}
	return nil
}
