package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/reeveci/reeve-pipeline/definition"
	"github.com/reeveci/reeve-pipeline/schema"
)

var planCmd = &cobra.Command{
	Use:   "plan <pipeline.yaml>",
	Short: "Show the stages a run would execute",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlan,
}

func init() {
	addTriggerFlags(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	def, err := definition.LoadFile(args[0])
	if err != nil {
		return err
	}

	trig, err := trigger()
	if err != nil {
		return err
	}
	spec := def.Spec()
	trig.Owner, trig.Repo = spec.Owner, spec.Repo
	if trig.Branch == "" {
		trig.Branch = spec.Branch
	}

	plan, err := def.Plan(schema.NewRunContext("plan", def.Name(), trig, time.Now()))
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tKIND\tEXECUTOR\tINPUT\tOUTPUTS\tPROFILE")
	for _, stage := range plan {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%s\n", stage.Name, stage.Kind, stage.Executor, dash(stage.Input), stage.Outputs, dash(stage.Profile))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	skipped := len(def.Stages()) - len(plan)
	if skipped > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "%d stages skipped in environment %s\n", skipped, trig.Environment)
	}
	return nil
}

func dash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}
