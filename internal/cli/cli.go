package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	internal_http "github.com/dagrun/dagrun/internal/http"
	"github.com/dagrun/dagrun/internal/log"
	internal_storage "github.com/dagrun/dagrun/internal/storage"
	"github.com/dagrun/dagrun/pkg/workflow"
)

func SetupCLI(rootCmd *cobra.Command) {
	historyCmd := &cobra.Command{
		Use:   "history [workflow-name]",
		Short: "List persisted workflow runs, newest first",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := storeFromFlags(cmd)
			defer store.Close()
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			runs, err := store.ListRuns(name)
			if err != nil {
				log.GetLogger().Errorf("Failed to list runs: %v", err)
				os.Exit(1)
			}
			if len(runs) == 0 {
				fmt.Println("No runs found.")
				return
			}
			for _, run := range runs {
				fmt.Printf("- %s  workflow=%s status=%s started=%s\n",
					run.ID, run.WorkflowName, run.Status, run.StartTime.Format(time.RFC3339))
			}
		},
	}

	showCmd := &cobra.Command{
		Use:   "show [run-id]",
		Short: "Show one run with its task executions",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := storeFromFlags(cmd)
			defer store.Close()
			run, err := store.GetRun(args[0])
			if err != nil {
				log.GetLogger().Errorf("Failed to get run %s: %v", args[0], err)
				os.Exit(1)
			}
			printRun(run)
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run history over HTTP",
		Run: func(cmd *cobra.Command, args []string) {
			port, err := cmd.Flags().GetString("port")
			if err != nil {
				log.GetLogger().Errorf("Error retrieving port flag: %v", err)
				os.Exit(1)
			}
			store := storeFromFlags(cmd)
			defer store.Close()
			if err := internal_http.StartServer(port, store); err != nil {
				log.GetLogger().Errorf("Server failed: %v", err)
				os.Exit(1)
			}
		},
	}
	serveCmd.Flags().String("port", "8080", "HTTP listen port")

	rootCmd.AddCommand(historyCmd, showCmd, serveCmd)
	rootCmd.PersistentFlags().String("db", "", "Database connection string")
}

func storeFromFlags(cmd *cobra.Command) *internal_storage.PostgresStore {
	dbConnStr, err := cmd.Flags().GetString("db")
	if err != nil {
		log.GetLogger().Errorf("Error retrieving db flag: %v", err)
		os.Exit(1)
	}
	if dbConnStr == "" {
		log.GetLogger().Errorf("Missing --db connection string")
		os.Exit(1)
	}
	store, err := internal_storage.InitStore(dbConnStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to connect to database: %v", err)
		os.Exit(1)
	}
	return store
}

func printRun(run *workflow.WorkflowExecution) {
	fmt.Printf("Run %s\n", run.ID)
	fmt.Printf("  Workflow: %s\n", run.WorkflowName)
	fmt.Printf("  Status:   %s\n", run.Status)
	fmt.Printf("  Started:  %s\n", run.StartTime.Format(time.RFC3339))
	if run.EndTime != nil {
		fmt.Printf("  Finished: %s\n", run.EndTime.Format(time.RFC3339))
	}
	for name, rec := range run.TaskExecutions {
		fmt.Printf("  - task %s: %s\n", name, rec.Status)
		for _, line := range rec.Logs {
			fmt.Printf("      %s\n", line)
		}
	}
}
