package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ahrav/go-synthgen/internal/application"
)

func newValidateTaskCmd() *cobra.Command {
	var taskFile string

	cmd := &cobra.Command{
		Use:   "validate-task",
		Short: "Load and validate a task specification",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			task, err := application.LoadTaskSpec(taskFile)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: task %s, stage %s, labels [%s]\n",
				taskFile, task.TaskName, task.Stage, strings.Join(task.LabelNames(), ", "))
			return nil
		},
	}
	cmd.Flags().StringVar(&taskFile, "task_file", "", "JSON or YAML task specification")
	_ = cmd.MarkFlagRequired("task_file")
	return cmd
}
