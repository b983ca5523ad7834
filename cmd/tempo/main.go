// Command tempo is the interactive terminal host for the orchestration
// engine: it starts or resumes tasks, renders the live transcript, and
// answers the engine's asks.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"tempo/internal/config"
	"tempo/internal/logging"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tempo",
		Short:         "Autonomous agent task orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newResumeCmd(), newTasksCmd(), newVersionCmd())
	return root
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [task text]",
		Short: "Start a new task",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			h, err := newHost(cfg)
			if err != nil {
				return err
			}
			defer h.Close()
			return h.RunNew(cmd.Context(), strings.TrimSpace(strings.Join(args, " ")))
		},
	}
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume [task-id]",
		Short: "Resume a persisted task",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			h, err := newHost(cfg)
			if err != nil {
				return err
			}
			defer h.Close()

			taskID := ""
			if len(args) == 1 {
				taskID = args[0]
			}
			return h.RunResume(cmd.Context(), taskID)
		},
	}
}

func newTasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List persisted tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ids, err := listTaskIDs(cfg)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Println("No persisted tasks.")
				return nil
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("tempo %s\n", version)
		},
	}
}
