package app

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/compasproject/compas/core/api"
	"github.com/compasproject/compas/core/checks"
	"github.com/compasproject/compas/core/exceptions"
	"github.com/compasproject/compas/core/failuremodes"
	"github.com/compasproject/compas/core/insights"
	"github.com/compasproject/compas/core/judge"
	"github.com/compasproject/compas/core/qualitydelta"
	"github.com/compasproject/compas/core/repo"
)

// Validate runs the full two-phase pipeline: raw checks, allowlist
// suppression, raw insights feeding the ratchet, phase-2 governance and
// quality delta, then display insights and the judge verdict.
func Validate(repoRoot string, mode api.ValidateMode, writeBaseline bool, maintenance *api.BaselineMaintenance) api.ValidateOutput {
	cfg, cfgErr := repo.Load(repoRoot)
	if cfgErr != nil {
		return emptyOutputWithError(repoRoot, mode, mapConfigError(repoRoot, cfgErr))
	}

	if writeBaseline && mode == api.ModeRatchet {
		if maintenance == nil {
			return emptyOutputWithError(repoRoot, mode, api.ApiError{
				Code:    "config.baseline_write_requires_maintenance",
				Message: "write_baseline=true in ratchet mode requires baseline_maintenance with reason (>=20 chars) and owner",
			})
		}
		if len(strings.TrimSpace(maintenance.Reason)) < 20 {
			return emptyOutputWithError(repoRoot, mode, api.ApiError{
				Code:    "config.baseline_maintenance_reason_too_short",
				Message: fmt.Sprintf("baseline_maintenance.reason must be >=20 chars (got %d)", len(strings.TrimSpace(maintenance.Reason))),
			})
		}
	}

	var violationsRaw []api.Violation
	var locSummary *api.LocSummary
	var boundarySummary *api.BoundarySummary
	var surfaceSummary *api.PublicSurfaceSummary
	var duplicatesSummary *api.DuplicatesSummary
	var effectiveConfig *api.EffectiveConfigSummary
	var fileUniverse qualitydelta.FileUniverse
	locPerFile := map[string]int{}
	surfaceItemSet := map[string]struct{}{}
	var duplicateGroups [][]string

	// Anti-gaming: allow_any policy is always a blocking security violation.
	for _, pluginID := range cfg.AllowAnyPlugins {
		violationsRaw = append(violationsRaw, api.Blocking(
			"security.allow_any_policy",
			fmt.Sprintf("plugin %s uses allow_any tool policy; this bypasses execution safety rails", pluginID),
			"", nil))
	}

	if cfg.QualityContract != nil {
		activeCheckTypes := map[string]struct{}{}
		if len(cfg.Checks.Boundary) > 0 {
			activeCheckTypes["boundary"] = struct{}{}
		}
		if len(cfg.Checks.SupplyChain) > 0 {
			activeCheckTypes["supply_chain"] = struct{}{}
		}
		if len(cfg.Checks.Loc) > 0 {
			activeCheckTypes["loc"] = struct{}{}
		}
		if len(cfg.Checks.Surface) > 0 {
			activeCheckTypes["surface"] = struct{}{}
		}
		if len(cfg.Checks.Duplicates) > 0 {
			activeCheckTypes["duplicates"] = struct{}{}
		}
		if len(cfg.Checks.EnvRegistry) > 0 {
			activeCheckTypes["env_registry"] = struct{}{}
		}
		if len(cfg.Checks.ToolBudget) > 0 {
			activeCheckTypes["tool_budget"] = struct{}{}
		}
		for _, mandatory := range cfg.QualityContract.Governance.MandatoryChecks {
			if _, active := activeCheckTypes[mandatory]; !active {
				violationsRaw = append(violationsRaw, api.Blocking(
					"config.mandatory_check_removed",
					fmt.Sprintf("mandatory check %q is not configured", mandatory),
					"", nil))
			}
		}
	}

	violationsRaw = append(violationsRaw, detectToolDuplicates(cfg)...)

	if len(cfg.Checks.Boundary) > 0 {
		filesScanned := 0
		rulesChecked := 0
		violationCount := 0
		for _, boundaryCfg := range cfg.Checks.Boundary {
			result, err := checks.RunBoundary(repoRoot, boundaryCfg)
			if err != nil {
				violationsRaw = append(violationsRaw, api.Blocking(
					"boundary.check_failed",
					fmt.Sprintf("boundary check failed (id=%s): %v", boundaryCfg.ID, err),
					"", nil))
				continue
			}
			filesScanned += result.FilesScanned
			rulesChecked += result.RulesChecked
			violationCount += len(result.Violations)
			violationsRaw = append(violationsRaw, result.Violations...)
		}
		fileUniverse.BoundaryUniverse = filesScanned
		fileUniverse.BoundaryScanned = filesScanned
		boundarySummary = &api.BoundarySummary{
			FilesScanned: filesScanned,
			RulesChecked: rulesChecked,
			Violations:   violationCount,
		}
	}

	if len(cfg.Checks.Loc) > 0 {
		filesScanned := 0
		filesUniverse := 0
		maxLoc := 0
		worstPath := ""
		for _, locCfg := range cfg.Checks.Loc {
			result, err := checks.RunLoc(repoRoot, locCfg)
			if err != nil {
				violationsRaw = append(violationsRaw, api.Blocking(
					"loc.check_failed",
					fmt.Sprintf("loc check failed (id=%s): %v", locCfg.ID, err),
					"", nil))
				continue
			}
			filesScanned += result.FilesScanned
			filesUniverse += result.FilesUniverse
			if result.MaxLoc > maxLoc {
				maxLoc = result.MaxLoc
			}
			if worstPath == "" {
				worstPath = result.WorstPath
			}
			for path, loc := range result.LocPerFile {
				// deterministic max merge for duplicated paths across check instances
				if loc > locPerFile[path] {
					locPerFile[path] = loc
				}
			}
			violationsRaw = append(violationsRaw, result.Violations...)
		}
		fileUniverse.LocUniverse = filesUniverse
		fileUniverse.LocScanned = filesScanned
		locSummary = &api.LocSummary{FilesScanned: filesScanned, MaxLoc: maxLoc, WorstPath: worstPath}
	}

	if len(cfg.Checks.Surface) > 0 {
		filesScanned := 0
		filesUniverse := 0
		var best *api.PublicSurfaceSummary
		for _, surfaceCfg := range cfg.Checks.Surface {
			result, err := checks.RunSurface(repoRoot, surfaceCfg)
			if err != nil {
				violationsRaw = append(violationsRaw, api.Blocking(
					"surface.check_failed",
					fmt.Sprintf("surface check failed (id=%s): %v", surfaceCfg.ID, err),
					"", nil))
				continue
			}
			filesScanned += result.FilesScanned
			filesUniverse += result.FilesUniverse
			violationsRaw = append(violationsRaw, result.Violations...)
			for _, item := range result.Items {
				surfaceItemSet[item] = struct{}{}
			}
			if best == nil || result.ItemsTotal > best.ItemsTotal {
				best = &api.PublicSurfaceSummary{
					BaselinePath: surfaceCfg.BaselinePath,
					MaxPubItems:  result.MaxItems,
					ItemsTotal:   result.ItemsTotal,
				}
			}
		}
		fileUniverse.SurfaceUniverse = filesUniverse
		fileUniverse.SurfaceScanned = filesScanned
		surfaceSummary = best
	}

	if len(cfg.Checks.Duplicates) > 0 {
		filesScanned := 0
		filesUniverse := 0
		mergedGroups := map[string]map[string]struct{}{}
		for _, dupCfg := range cfg.Checks.Duplicates {
			result, err := checks.RunDuplicates(repoRoot, dupCfg)
			if err != nil {
				violationsRaw = append(violationsRaw, api.Blocking(
					"duplicates.check_failed",
					fmt.Sprintf("duplicates check failed (id=%s): %v", dupCfg.ID, err),
					"", nil))
				continue
			}
			filesScanned += result.FilesScanned
			filesUniverse += result.FilesUniverse
			for sha, paths := range result.Groups {
				group, ok := mergedGroups[sha]
				if !ok {
					group = map[string]struct{}{}
					mergedGroups[sha] = group
				}
				for _, path := range paths {
					group[path] = struct{}{}
				}
			}
			violationsRaw = append(violationsRaw, result.Violations...)
		}
		fileUniverse.DuplicatesUniverse = filesUniverse
		fileUniverse.DuplicatesScanned = filesScanned
		duplicateFilesTotal := 0
		for _, group := range mergedGroups {
			paths := make([]string, 0, len(group))
			for path := range group {
				paths = append(paths, path)
			}
			sort.Strings(paths)
			duplicateGroups = append(duplicateGroups, paths)
			duplicateFilesTotal += len(paths)
		}
		sort.Slice(duplicateGroups, func(i, j int) bool {
			return strings.Join(duplicateGroups[i], "\x00") < strings.Join(duplicateGroups[j], "\x00")
		})
		duplicatesSummary = &api.DuplicatesSummary{
			FilesScanned:        filesScanned,
			GroupsTotal:         len(duplicateGroups),
			DuplicateFilesTotal: duplicateFilesTotal,
		}
	}

	for _, scCfg := range cfg.Checks.SupplyChain {
		violationsRaw = append(violationsRaw, checks.RunSupplyChain(repoRoot, scCfg).Violations...)
	}
	for _, budgetCfg := range cfg.Checks.ToolBudget {
		violationsRaw = append(violationsRaw, checks.RunToolBudget(cfg, budgetCfg).Violations...)
	}
	if len(cfg.Checks.EnvRegistry) > 0 {
		envResult := checks.RunEnvRegistry(repoRoot, cfg.Checks.EnvRegistry[0], cfg.Tools)
		violationsRaw = append(violationsRaw, envResult.Violations...)
		effectiveConfig = &envResult.Summary
	}

	// Contract presence signal: blocking in ratchet/strict, observation in warn.
	if cfg.QualityContract == nil {
		tier := api.TierBlocking
		if mode == api.ModeWarn {
			tier = api.TierObservation
		}
		violationsRaw = append(violationsRaw, api.Violation{
			Code:    "config.quality_contract_missing",
			Message: "quality_contract.toml not found under .agents/mcp/compas/",
			Path:    repo.QualityContractRelPath,
			Tier:    tier,
		})
	}

	catalog, fmErr := failuremodes.Load(repoRoot)
	if fmErr != nil {
		violationsRaw = append(violationsRaw, api.Blocking(
			"failure_modes.invalid", fmErr.Error(), fmErr.Path, nil))
		catalog = failuremodes.DefaultCatalog()
	}

	limits := exceptions.Limits{}
	if cfg.QualityContract != nil {
		limits.MaxExceptionWindowDays = cfg.QualityContract.Exceptions.MaxExceptionWindowDays
	}
	suppression := exceptions.Apply(repoRoot, append([]api.Violation(nil), violationsRaw...), limits)

	// Phase 1 insights split: raw (pre-suppress) feeds the ratchet.
	findingsRaw := insights.ToFindingsV2(violationsRaw)
	riskRaw := insights.BuildRiskSummary(findingsRaw)
	coverage := insights.BuildCoverage(catalog, repoRoot, cfg)
	qualityPosture := insights.BuildQualityPosture(findingsRaw, coverage, riskRaw)

	// Phase 2: non-suppressible governance and ratchet violations.
	var phase2 []api.Violation
	if cfg.QualityContract != nil {
		contract := cfg.QualityContract

		for _, mandatory := range contract.Governance.MandatoryFailureModes {
			found := false
			for _, modeID := range catalog {
				if modeID == mandatory {
					found = true
					break
				}
			}
			if !found {
				phase2 = append(phase2, api.Blocking(
					"failure_modes.mandatory_missing",
					fmt.Sprintf("mandatory failure mode %q not in catalog", mandatory),
					failuremodes.RelPath, nil))
			}
		}
		if len(catalog) < contract.Governance.MinFailureModes {
			phase2 = append(phase2, api.Blocking(
				"failure_modes.catalog_too_small",
				fmt.Sprintf("failure mode catalog has %d modes, minimum is %d", len(catalog), contract.Governance.MinFailureModes),
				failuremodes.RelPath, nil))
		}

		suppressedCount := len(suppression.Suppressed)
		if suppressedCount > contract.Exceptions.MaxExceptions {
			phase2 = append(phase2, api.Blocking(
				"exception.budget_exceeded",
				fmt.Sprintf("suppressed violations (%d) exceed max_exceptions (%d)", suppressedCount, contract.Exceptions.MaxExceptions),
				"", nil))
		}
		if totalBefore := len(violationsRaw); totalBefore > 0 {
			ratio := float64(suppressedCount) / float64(totalBefore)
			if ratio > contract.Exceptions.MaxSuppressedRatio {
				phase2 = append(phase2, api.Blocking(
					"exception.budget_exceeded",
					fmt.Sprintf("suppressed ratio %.2f exceeds max_suppressed_ratio %.2f", ratio, contract.Exceptions.MaxSuppressedRatio),
					"",
					map[string]any{
						"suppressed_count":      suppressedCount,
						"total_before_suppress": totalBefore,
						"ratio":                 ratio,
					}))
			}
		}

		configHash := computeChecksHash(cfg)
		if locked := contract.Governance.ConfigHash; locked != "" && locked != configHash {
			phase2 = append(phase2, api.Blocking(
				"config.threshold_weakened",
				fmt.Sprintf("config hash differs from locked governance hash: expected=%s, current=%s", locked, configHash),
				repo.QualityContractRelPath, nil))
		}

		snapshotPath := filepath.Join(repoRoot, filepath.FromSlash(contract.Baseline.SnapshotPath))
		writtenAt := time.Now().UTC().Format(time.RFC3339)

		if mode == api.ModeRatchet && !writeBaseline && qualitydelta.HasPriorBaselines(repoRoot) {
			if snapshot, loadErr := qualitydelta.LoadSnapshot(snapshotPath); loadErr == nil && snapshot == nil {
				migrated, migrateErr := qualitydelta.MigrateFromPriorBaselines(repoRoot, qualityPosture, writtenAt, configHash)
				if migrateErr != nil {
					phase2 = append(phase2, api.Blocking(
						"quality_delta.check_failed",
						"prior baseline migration failed: "+migrateErr.Error(),
						contract.Baseline.SnapshotPath, nil))
				} else if writeErr := qualitydelta.WriteSnapshot(snapshotPath, migrated); writeErr != nil {
					phase2 = append(phase2, api.Blocking(
						"quality_delta.check_failed",
						"prior baseline migration write failed: "+writeErr.Error(),
						contract.Baseline.SnapshotPath, nil))
				}
			}
		}

		surfaceItems := make([]string, 0, len(surfaceItemSet))
		for item := range surfaceItemSet {
			surfaceItems = append(surfaceItems, item)
		}
		sort.Strings(surfaceItems)
		currentSnapshot := &qualitydelta.QualitySnapshot{
			Version:         qualitydelta.SnapshotVersion,
			TrustScore:      qualityPosture.TrustScore,
			CoverageCovered: qualityPosture.CoverageCovered,
			CoverageTotal:   qualityPosture.CoverageTotal,
			WeightedRisk:    qualityPosture.WeightedRisk,
			FindingsTotal:   qualityPosture.FindingsTotal,
			RiskBySeverity:  qualityPosture.RiskBySeverity,
			LocPerFile:      locPerFile,
			SurfaceItems:    surfaceItems,
			DuplicateGroups: duplicateGroups,
			FileUniverse:    fileUniverse,
			WrittenAt:       writtenAt,
			WrittenBy:       maintenance,
			ConfigHash:      configHash,
		}

		delta, deltaErr := qualitydelta.Run(snapshotPath, contract, currentSnapshot, mode == api.ModeRatchet, writeBaseline, maintenance)
		if deltaErr != nil {
			phase2 = append(phase2, api.Blocking(
				"quality_delta.check_failed",
				deltaErr.Error(),
				contract.Baseline.SnapshotPath, nil))
		} else {
			phase2 = append(phase2, delta.Violations...)
		}
	}

	finalViolations := append(suppression.Violations, phase2...)
	findingsDisplay := insights.ToFindingsV2(finalViolations)
	riskDisplay := insights.BuildRiskSummary(findingsDisplay)
	trustDisplay := insights.BuildTrustScore(
		findingsDisplay,
		len(finalViolations) == 0 || mode == api.ModeWarn,
		coverage.Percent)

	suppressed := suppression.Suppressed
	if suppressed == nil {
		suppressed = []api.Violation{}
	}
	verdict := judge.JudgeValidate(finalViolations, mode)
	verdict.QualityPosture = &qualityPosture
	verdict.SuppressedCount = len(suppressed)
	verdict.SuppressedCodes = collectSuppressedCodes(suppressed)
	digest := insights.BuildAgentDigest(verdict.Decision, finalViolations, findingsDisplay, suppressed)

	ok := mode == api.ModeWarn || verdict.Decision.Status == api.StatusPass
	if finalViolations == nil {
		finalViolations = []api.Violation{}
	}

	return api.ValidateOutput{
		OK:              ok,
		SchemaVersion:   api.SchemaVersion,
		RepoRoot:        repoRoot,
		Mode:            mode,
		Violations:      finalViolations,
		FindingsV2:      findingsDisplay,
		Suppressed:      suppressed,
		Loc:             locSummary,
		Boundary:        boundarySummary,
		PublicSurface:   surfaceSummary,
		Duplicates:      duplicatesSummary,
		EffectiveConfig: effectiveConfig,
		RiskSummary:     &riskDisplay,
		Coverage:        &coverage,
		TrustScore:      &trustDisplay,
		Verdict:         &verdict,
		QualityPosture:  &qualityPosture,
		AgentDigest:     &digest,
	}
}
