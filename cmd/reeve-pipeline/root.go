package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/reeveci/reeve-pipeline/definition"
	"github.com/reeveci/reeve-pipeline/schema"
)

var (
	cfgFile     string
	environment string
	branch      string
	ref         string
	varFlags    []string
)

var rootCmd = &cobra.Command{
	Use:           "reeve-pipeline",
	Short:         "Run source, build, approval and deploy pipelines",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
}

// addTriggerFlags registers the flags describing what triggered a run.
func addTriggerFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&environment, "environment", "e", "dev", "target environment")
	cmd.Flags().StringVarP(&branch, "branch", "b", "", "branch, defaults to the pipeline branch")
	cmd.Flags().StringVar(&ref, "ref", "", "commit or ref that triggered the run")
	cmd.Flags().StringArrayVar(&varFlags, "var", nil, "run variable as key=value, may be repeated")
}

func trigger() (schema.Trigger, error) {
	vars := make(map[string]schema.Var, len(varFlags))
	for _, flag := range varFlags {
		key, value, ok := strings.Cut(flag, "=")
		if !ok || key == "" {
			return schema.Trigger{}, fmt.Errorf("invalid var %q, expected key=value", flag)
		}
		vars[key] = schema.Var(value)
	}
	return schema.Trigger{Environment: environment, Branch: branch, Ref: ref, Vars: vars}, nil
}

func loadPipelines(paths []string) (map[string]*definition.Definition, error) {
	result := make(map[string]*definition.Definition, len(paths))
	for _, path := range paths {
		def, err := definition.LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%s - %w", path, err)
		}
		if _, exists := result[def.Name()]; exists {
			return nil, fmt.Errorf("%s - pipeline %q is defined more than once", path, def.Name())
		}
		result[def.Name()] = def
	}
	return result, nil
}

func sortedNames(pipelines map[string]*definition.Definition) []string {
	names := make([]string, 0, len(pipelines))
	for name := range pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
