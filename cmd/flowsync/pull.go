package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var pullOutput string

var pullCmd = &cobra.Command{
	Use:   "pull <project-id>",
	Short: "Fetch a project from the remote store",
	Long:  "Fetch a project with its tasks and connections, dropping tombstoned entities, and print it as JSON.",
	Args:  cobra.ExactArgs(1),
	RunE:  runPull,
}

func init() {
	pullCmd.Flags().StringVarP(&pullOutput, "output", "o", "",
		"Write the project to a file instead of stdout")
}

func runPull(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	projectID := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Remote.BaseURL == "" {
		return fmt.Errorf("pull requires remote.base_url")
	}
	closer := initLogger(cfg)
	defer closer.Close()

	sc, err := openEngine(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer sc.Close(ctx)

	if _, err := sc.engine.Pull(ctx, projectID); err != nil {
		return fmt.Errorf("pull %s: %w", projectID, err)
	}
	project, ok := sc.engine.Project(projectID)
	if !ok {
		return fmt.Errorf("project %q not found", projectID)
	}

	if pullOutput == "" {
		return printJSON(cmd.OutOrStdout(), project)
	}
	f, err := os.Create(pullOutput)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := printJSON(f, project); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s (%d tasks, %d connections)\n",
		pullOutput, len(project.Tasks), len(project.Connections))
	return nil
}
