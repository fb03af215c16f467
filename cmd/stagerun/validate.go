package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aristath/stagerun/internal/definition"
)

func newValidateCmd(a *app) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a pipeline definition without running it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := definition.Load(file, definition.Options{})
			if err != nil {
				return err
			}
			tasks := 0
			for _, s := range p.Stages {
				tasks += len(s.Tasks)
			}
			fmt.Fprintf(a.stdout, "%s: pipeline %q is valid (%d stages, %d tasks, %d hooks)\n",
				file, p.Name, len(p.Stages), tasks, len(p.Hooks))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "pipeline.yaml", "pipeline definition")
	return cmd
}
