package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/compasproject/compas/core/api"
	"github.com/compasproject/compas/core/app"
)

// version is stamped at release time via ldflags; default stays dev for local builds.
var version = "0.0.0-dev"

// errNotOK marks outputs with ok=false so the process exits non-zero without
// printing a second error message.
var errNotOK = fmt.Errorf("output reported ok=false")

func printJSON(value any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func emit(value any, ok bool) error {
	if err := printJSON(value); err != nil {
		return err
	}
	if !ok {
		return errNotOK
	}
	return nil
}

func main() {
	root := &cobra.Command{
		Use:           "compas",
		Short:         "Fail-closed quality gate for repositories edited primarily by AI agents",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newValidateCmd(),
		newGateCmd(),
		newInitCmd(),
		newCatalogCmd(),
		newExecCmd(),
		newPluginsCmd(),
	)

	if err := root.Execute(); err != nil {
		if err != errNotOK {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

func newValidateCmd() *cobra.Command {
	var repoRoot string
	var writeBaseline bool
	var baselineReason string
	var baselineOwner string

	cmd := &cobra.Command{
		Use:       "validate {ratchet|strict|warn}",
		Short:     "Run the two-phase check engine and print the verdict",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"ratchet", "strict", "warn"},
		RunE: func(_ *cobra.Command, args []string) error {
			mode := api.ValidateMode(args[0])
			switch mode {
			case api.ModeRatchet, api.ModeStrict, api.ModeWarn:
			default:
				return fmt.Errorf("unknown validate mode %q (expected ratchet, strict, or warn)", args[0])
			}
			var maintenance *api.BaselineMaintenance
			if baselineReason != "" || baselineOwner != "" {
				maintenance = &api.BaselineMaintenance{Reason: baselineReason, Owner: baselineOwner}
			}
			out := app.Validate(app.ResolveRepoRoot(repoRoot), mode, writeBaseline, maintenance)
			return emit(out, out.OK)
		},
	}
	cmd.Flags().StringVar(&repoRoot, "repo-root", "", "repository root (default: $AI_DX_REPO_ROOT or .)")
	cmd.Flags().BoolVar(&writeBaseline, "write-baseline", false, "write/update the quality snapshot baseline")
	cmd.Flags().StringVar(&baselineReason, "baseline-reason", "", "maintenance reason for baseline writes in ratchet mode (>=20 chars)")
	cmd.Flags().StringVar(&baselineOwner, "baseline-owner", "", "maintenance owner for baseline writes in ratchet mode")
	return cmd
}

func newGateCmd() *cobra.Command {
	var repoRoot string
	var dryRun bool
	var writeWitness bool
	var writeWitnessSet bool

	cmd := &cobra.Command{
		Use:       "gate {ci_fast|ci|flagship}",
		Short:     "Execute the gate's tool chain and write the witness",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"ci_fast", "ci", "flagship"},
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, ok := api.ParseGateKind(args[0])
			if !ok {
				return fmt.Errorf("unknown gate kind %q (expected ci_fast, ci, or flagship)", args[0])
			}
			writeWitnessSet = cmd.Flags().Changed("write-witness")
			effectiveWitness := writeWitness
			if !writeWitnessSet {
				effectiveWitness = app.DefaultWriteWitness()
			}
			out := app.Gate(app.ResolveRepoRoot(repoRoot), kind, dryRun, effectiveWitness)
			return emit(out, out.OK)
		},
	}
	cmd.Flags().StringVar(&repoRoot, "repo-root", "", "repository root (default: $AI_DX_REPO_ROOT or .)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan the gate without executing tools")
	cmd.Flags().BoolVar(&writeWitness, "write-witness", false, "write the witness file and chain entry (default: $AI_DX_WRITE_WITNESS)")
	return cmd
}

func newInitCmd() *cobra.Command {
	var repoRoot string
	var apply bool
	var packs []string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Plan (and optionally apply) a bootstrap configuration pack",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			out := app.Core{}.Init(api.InitRequest{RepoRoot: repoRoot, Apply: apply, Packs: packs})
			return emit(out, out.OK)
		},
	}
	cmd.Flags().StringVar(&repoRoot, "repo-root", "", "repository root (default: $AI_DX_REPO_ROOT or .)")
	cmd.Flags().BoolVar(&apply, "apply", false, "apply the generated plan instead of previewing it")
	cmd.Flags().StringSliceVar(&packs, "packs", nil, "bootstrap packs (e.g. builtin:go, builtin:rust)")
	return cmd
}

func newCatalogCmd() *cobra.Command {
	var repoRoot string
	var view string
	var pluginID string
	var toolID string

	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Read-only introspection over plugins and tools",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			out := app.Core{}.Catalog(api.CatalogRequest{
				RepoRoot: repoRoot,
				View:     api.CatalogView(view),
				PluginID: pluginID,
				ToolID:   toolID,
			})
			return emit(out, out.OK)
		},
	}
	cmd.Flags().StringVar(&repoRoot, "repo-root", "", "repository root (default: $AI_DX_REPO_ROOT or .)")
	cmd.Flags().StringVar(&view, "view", "all", "catalog view: all, plugins, plugin, tools, tool")
	cmd.Flags().StringVar(&pluginID, "plugin-id", "", "plugin id for view=plugin")
	cmd.Flags().StringVar(&toolID, "tool-id", "", "tool id for view=tool")
	return cmd
}

func newExecCmd() *cobra.Command {
	var repoRoot string
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "exec <tool_id> [-- args...]",
		Short: "Run a single configured tool and print its receipt",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			out := app.Core{}.Exec(api.ExecRequest{
				RepoRoot: repoRoot,
				ToolID:   args[0],
				Args:     args[1:],
				DryRun:   dryRun,
			})
			return emit(out, out.OK)
		},
	}
	cmd.Flags().StringVar(&repoRoot, "repo-root", "", "repository root (default: $AI_DX_REPO_ROOT or .)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "produce a receipt without executing the tool")
	return cmd
}
