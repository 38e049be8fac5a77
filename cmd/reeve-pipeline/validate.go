package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/reeveci/reeve-pipeline/definition"
	"github.com/reeveci/reeve-pipeline/schema"
)

var strict bool

var validateCmd = &cobra.Command{
	Use:   "validate <pipeline.yaml>...",
	Short: "Validate pipeline definitions",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&strict, "strict", false, "treat warnings as errors")
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	failed := 0

	for _, path := range args {
		def, err := definition.LoadFile(path)
		if err != nil {
			failed++
			var verr *schema.ValidationError
			if errors.As(err, &verr) {
				fmt.Fprintf(out, "%s: invalid\n", path)
				for _, problem := range verr.Problems {
					fmt.Fprintf(out, "  - %s\n", problem)
				}
				continue
			}
			fmt.Fprintf(out, "%s: %s\n", path, err)
			continue
		}

		warnings := def.Lint()
		if strict && len(warnings) > 0 {
			failed++
		}
		fmt.Fprintf(out, "%s: pipeline %q with %d stages\n", path, def.Name(), len(def.Stages()))
		for _, warning := range warnings {
			fmt.Fprintf(out, "  warning: %s\n", warning)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d pipelines failed validation", failed, len(args))
	}
	return nil
}
