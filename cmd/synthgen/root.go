package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "synthgen",
		Short: "Generate labeled datasets with language models",
		Long: `synthgen prompts a language model with task instructions to generate
labeled datasets. Stage x1 generates unconditioned texts, stage x2 generates
texts conditioned on stage-one output, and stage zs runs zero-shot inference.`,
		SilenceUsage: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		Version: version,
	}
	root.AddCommand(newGenerateCmd())
	root.AddCommand(newValidateTaskCmd())
	return root
}
