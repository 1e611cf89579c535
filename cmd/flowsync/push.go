package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/wgje/flowsync/internal/types"
)

// ErrVersionConflict is returned by push when the remote copy is newer.
var ErrVersionConflict = errors.New("version conflict: remote project is newer, pull and retry")

var pushCmd = &cobra.Command{
	Use:   "push <project.json>",
	Short: "Push a project file to the remote store",
	Long: "Push a project, its tasks and its connections. Entities that cannot be sent " +
		"now are queued and flushed to the durable queue before the command exits.",
	Args: cobra.ExactArgs(1),
	RunE: runPush,
}

func runPush(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	project, err := readProjectFile(cmd.InOrStdin(), args[0])
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	closer := initLogger(cfg)
	defer closer.Close()

	sc, err := openEngine(ctx, cfg, nil)
	if err != nil {
		return err
	}

	res, pushErr := sc.engine.SaveProject(ctx, project)
	if err := sc.Close(ctx); err != nil {
		return fmt.Errorf("flush queue: %w", err)
	}
	if pushErr != nil {
		return pushErr
	}

	if jsonOutput {
		if err := printJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
	} else {
		w := newTabWriter(cmd.OutOrStdout())
		fmt.Fprintf(w, "Project:\t%s\n", project.ID)
		fmt.Fprintf(w, "Version:\t%d\n", res.NewVersion)
		fmt.Fprintf(w, "Pushed:\t%d\n", res.Pushed)
		fmt.Fprintf(w, "Queued:\t%d\n", res.Queued)
		fmt.Fprintf(w, "Skipped:\t%d\n", res.Skipped)
		fmt.Fprintf(w, "Failed:\t%d\n", res.Failed)
		w.Flush()
	}

	if res.Conflict {
		return ErrVersionConflict
	}
	return nil
}

// readProjectFile decodes a project document. "-" reads stdin.
func readProjectFile(stdin io.Reader, path string) (types.Project, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return types.Project{}, fmt.Errorf("read project: %w", err)
	}

	var p types.Project
	if err := json.Unmarshal(data, &p); err != nil {
		return types.Project{}, fmt.Errorf("parse project: %w", err)
	}
	if p.ID == "" {
		return types.Project{}, errors.New("parse project: missing id")
	}
	return p, nil
}
