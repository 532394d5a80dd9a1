package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/compasproject/compas/core/app"
	"github.com/compasproject/compas/core/plugman"
)

type pluginsFlags struct {
	repoRoot          string
	registry          string
	plugins           []string
	packs             []string
	dryRun            bool
	force             bool
	allowUnsigned     bool
	allowExperimental bool
	allowDeprecated   bool
	pubkeyPath        string
	jsonOutput        bool
}

func (f *pluginsFlags) register(cmd *cobra.Command, mutating bool) {
	cmd.Flags().StringVar(&f.repoRoot, "repo-root", "", "repository root (default: $AI_DX_REPO_ROOT or .)")
	cmd.Flags().StringVar(&f.registry, "registry", "", "registry manifest source (URL or local path)")
	cmd.Flags().BoolVar(&f.allowUnsigned, "allow-unsigned", false, "skip manifest signature verification (non-production)")
	cmd.Flags().StringVar(&f.pubkeyPath, "pubkey", "", "override trust root with an SPKI PEM public key file")
	if mutating {
		cmd.Flags().StringSliceVar(&f.plugins, "plugins", nil, "plugin ids to select")
		cmd.Flags().StringSliceVar(&f.packs, "packs", nil, "pack ids to select")
		cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "plan without mutating the repo")
		cmd.Flags().BoolVar(&f.force, "force", false, "override drift/unmanaged-state preflight failures")
		cmd.Flags().BoolVar(&f.allowExperimental, "allow-experimental", false, "allow installing experimental-tier plugins")
		cmd.Flags().BoolVar(&f.allowDeprecated, "allow-deprecated", false, "allow installing deprecated-tier plugins")
	}
	cmd.Flags().BoolVar(&f.jsonOutput, "json", false, "emit machine-readable JSON")
}

func (f *pluginsFlags) loadManifest() (*plugman.ResolvedManifest, error) {
	if f.registry == "" {
		return nil, fmt.Errorf("--registry is required")
	}
	return plugman.LoadVerifiedManifest(f.registry, plugman.LoadOptions{
		AllowUnsigned: f.allowUnsigned,
		PubkeyPEMPath: f.pubkeyPath,
	})
}

func newPluginsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Manage community-registry plugins (signed manifest + lockfile)",
	}
	cmd.AddCommand(
		newPluginsListCmd(),
		newPluginsPacksCmd(),
		newPluginsInfoCmd(),
		newPluginsInstallCmd(),
		newPluginsUpdateCmd(),
		newPluginsUninstallCmd(),
		newPluginsDoctorCmd(),
	)
	return cmd
}

func newPluginsListCmd() *cobra.Command {
	var flags pluginsFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plugins declared by the registry manifest",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			resolved, err := flags.loadManifest()
			if err != nil {
				return err
			}
			if flags.jsonOutput {
				return printJSON(resolved.Manifest.Plugins)
			}
			for _, plugin := range resolved.Manifest.Plugins {
				fmt.Printf("%-28s %s\n", plugin.ID, plugin.Tier)
			}
			return nil
		},
	}
	flags.register(cmd, false)
	return cmd
}

func newPluginsPacksCmd() *cobra.Command {
	var flags pluginsFlags
	cmd := &cobra.Command{
		Use:   "packs",
		Short: "List packs declared by the registry manifest",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			resolved, err := flags.loadManifest()
			if err != nil {
				return err
			}
			if flags.jsonOutput {
				return printJSON(resolved.Manifest.Packs)
			}
			for _, pack := range resolved.Manifest.Packs {
				fmt.Printf("%s: %s\n", pack.ID, pack.Description)
			}
			return nil
		},
	}
	flags.register(cmd, false)
	return cmd
}

func newPluginsInfoCmd() *cobra.Command {
	var flags pluginsFlags
	cmd := &cobra.Command{
		Use:   "info <plugin_id>",
		Short: "Show one plugin's registry record",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			resolved, err := flags.loadManifest()
			if err != nil {
				return err
			}
			for _, plugin := range resolved.Manifest.Plugins {
				if plugin.ID == args[0] {
					return printJSON(map[string]any{
						"plugin":           plugin,
						"registry_version": resolved.Manifest.Version,
						"manifest_sha256":  resolved.ManifestSHA256,
						"signature_key_id": resolved.SignatureKeyID,
					})
				}
			}
			available := make([]string, 0, len(resolved.Manifest.Plugins))
			for _, plugin := range resolved.Manifest.Plugins {
				available = append(available, plugin.ID)
			}
			sort.Strings(available)
			return fmt.Errorf("unknown plugin %q; known plugins: %v", args[0], available)
		},
	}
	flags.register(cmd, false)
	return cmd
}

func newPluginsInstallCmd() *cobra.Command {
	var flags pluginsFlags
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install selected plugins from the signed registry archive",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			resolved, err := flags.loadManifest()
			if err != nil {
				return err
			}
			result, err := plugman.Install(resolved, plugman.InstallRequest{
				RepoRoot:          app.ResolveRepoRoot(flags.repoRoot),
				Plugins:           flags.plugins,
				Packs:             flags.packs,
				DryRun:            flags.dryRun,
				Force:             flags.force,
				AllowExperimental: flags.allowExperimental,
				AllowDeprecated:   flags.allowDeprecated,
			})
			if err != nil {
				return err
			}
			return emit(result, result.OK)
		},
	}
	flags.register(cmd, true)
	return cmd
}

func newPluginsUpdateCmd() *cobra.Command {
	var flags pluginsFlags
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Re-resolve the selection and reinstall from the registry",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			resolved, err := flags.loadManifest()
			if err != nil {
				return err
			}
			result, err := plugman.Update(resolved, plugman.InstallRequest{
				RepoRoot:          app.ResolveRepoRoot(flags.repoRoot),
				Plugins:           flags.plugins,
				Packs:             flags.packs,
				DryRun:            flags.dryRun,
				Force:             flags.force,
				AllowExperimental: flags.allowExperimental,
				AllowDeprecated:   flags.allowDeprecated,
			})
			if err != nil {
				return err
			}
			return emit(result, result.OK)
		},
	}
	flags.register(cmd, true)
	return cmd
}

func newPluginsUninstallCmd() *cobra.Command {
	var flags pluginsFlags
	cmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove lockfile-owned plugin files from the repo",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var resolved *plugman.ResolvedManifest
			if flags.registry != "" {
				loaded, err := flags.loadManifest()
				if err != nil {
					return err
				}
				resolved = loaded
			}
			result, err := plugman.Uninstall(resolved, plugman.UninstallRequest{
				RepoRoot: app.ResolveRepoRoot(flags.repoRoot),
				Plugins:  flags.plugins,
				Packs:    flags.packs,
				DryRun:   flags.dryRun,
				Force:    flags.force,
			})
			if err != nil {
				return err
			}
			return emit(result, result.OK)
		},
	}
	flags.register(cmd, true)
	return cmd
}

func newPluginsDoctorCmd() *cobra.Command {
	var flags pluginsFlags
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Verify locked files against the repo and report drift",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			result, err := plugman.Doctor(app.ResolveRepoRoot(flags.repoRoot))
			if err != nil {
				return err
			}
			return emit(result, result.OK)
		},
	}
	flags.register(cmd, false)
	return cmd
}
