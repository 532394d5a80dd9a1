package qualitydelta

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/compasproject/compas/core/api"
	"github.com/compasproject/compas/core/config"
	"github.com/compasproject/compas/core/fsx"
)

const SnapshotVersion = 1

// QualitySnapshot is the unified baseline. Serialization is deterministic:
// Go's encoding/json emits map keys in sorted order and every list is sorted
// before writing.
type QualitySnapshot struct {
	Version int `json:"version"`
	// Raw holistic posture (pre-suppress)
	TrustScore      int            `json:"trust_score"`
	CoverageCovered int            `json:"coverage_covered"`
	CoverageTotal   int            `json:"coverage_total"`
	WeightedRisk    int            `json:"weighted_risk"`
	FindingsTotal   int            `json:"findings_total"`
	RiskBySeverity  map[string]int `json:"risk_by_severity"`
	// Granular ratchets
	LocPerFile      map[string]int `json:"loc_per_file"`
	SurfaceItems    []string       `json:"surface_items"`
	DuplicateGroups [][]string     `json:"duplicate_groups"`
	// Scope tracking
	FileUniverse FileUniverse `json:"file_universe"`
	// Provenance
	WrittenAt  string                   `json:"written_at"`
	WrittenBy  *api.BaselineMaintenance `json:"written_by,omitempty"`
	ConfigHash string                   `json:"config_hash"`
}

type FileUniverse struct {
	LocUniverse        int `json:"loc_universe"`
	LocScanned         int `json:"loc_scanned"`
	SurfaceUniverse    int `json:"surface_universe"`
	SurfaceScanned     int `json:"surface_scanned"`
	BoundaryUniverse   int `json:"boundary_universe"`
	BoundaryScanned    int `json:"boundary_scanned"`
	DuplicatesUniverse int `json:"duplicates_universe"`
	DuplicatesScanned  int `json:"duplicates_scanned"`
}

type Result struct {
	Violations     []api.Violation
	BaselineLoaded bool
}

// Normalize sorts every list field so serialization is byte-stable.
func (s *QualitySnapshot) Normalize() {
	sort.Strings(s.SurfaceItems)
	for i := range s.DuplicateGroups {
		sort.Strings(s.DuplicateGroups[i])
	}
	sort.Slice(s.DuplicateGroups, func(i, j int) bool {
		return lessStringSlices(s.DuplicateGroups[i], s.DuplicateGroups[j])
	})
	if s.RiskBySeverity == nil {
		s.RiskBySeverity = map[string]int{}
	}
	if s.LocPerFile == nil {
		s.LocPerFile = map[string]int{}
	}
	if s.SurfaceItems == nil {
		s.SurfaceItems = []string{}
	}
	if s.DuplicateGroups == nil {
		s.DuplicateGroups = [][]string{}
	}
}

func lessStringSlices(a, b []string) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// ParseSnapshot fails closed on snapshot versions newer than supported.
func ParseSnapshot(raw []byte) (*QualitySnapshot, error) {
	var snapshot QualitySnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to parse quality snapshot: %w", err)
	}
	if snapshot.Version > SnapshotVersion {
		return nil, fmt.Errorf("quality snapshot version %d > supported max %d", snapshot.Version, SnapshotVersion)
	}
	snapshot.Normalize()
	return &snapshot, nil
}

// LoadSnapshot returns nil without error when no baseline exists yet.
func LoadSnapshot(path string) (*QualitySnapshot, error) {
	info, statErr := os.Stat(path)
	if statErr != nil || !info.Mode().IsRegular() {
		return nil, nil
	}
	raw, err := os.ReadFile(path) // #nosec G304 -- snapshot path comes from the quality contract.
	if err != nil {
		return nil, fmt.Errorf("failed to read quality snapshot %s: %w", path, err)
	}
	return ParseSnapshot(raw)
}

func WriteSnapshot(path string, snapshot *QualitySnapshot) error {
	snapshot.Normalize()
	return fsx.WriteJSONAtomic(path, snapshot, 0o600)
}

func blocking(code, message string, details map[string]any) api.Violation {
	return api.Blocking(code, message, "", details)
}

func checkScopeNarrowing(baseline, current FileUniverse, maxNarrowing float64, out *[]api.Violation) {
	domains := []struct {
		domain           string
		baselineScanned  int
		baselineUniverse int
		currentScanned   int
		currentUniverse  int
	}{
		{"loc", baseline.LocScanned, baseline.LocUniverse, current.LocScanned, current.LocUniverse},
		{"surface", baseline.SurfaceScanned, baseline.SurfaceUniverse, current.SurfaceScanned, current.SurfaceUniverse},
		{"boundary", baseline.BoundaryScanned, baseline.BoundaryUniverse, current.BoundaryScanned, current.BoundaryUniverse},
		{"duplicates", baseline.DuplicatesScanned, baseline.DuplicatesUniverse, current.DuplicatesScanned, current.DuplicatesUniverse},
	}
	for _, d := range domains {
		if d.baselineUniverse == 0 || d.currentUniverse == 0 {
			continue
		}
		baseRatio := float64(d.baselineScanned) / float64(d.baselineUniverse)
		currRatio := float64(d.currentScanned) / float64(d.currentUniverse)
		drop := baseRatio - currRatio
		if drop > maxNarrowing {
			*out = append(*out, blocking(
				"quality_delta.scope_narrowed",
				fmt.Sprintf("scan ratio dropped for %s: baseline=%.2f, current=%.2f, drop=%.2f, max=%.2f",
					d.domain, baseRatio, currRatio, drop, maxNarrowing),
				map[string]any{
					"domain":         d.domain,
					"baseline_ratio": baseRatio,
					"current_ratio":  currRatio,
					"drop":           drop,
					"max_narrowing":  maxNarrowing,
				}))
		}
	}
}

// Compare runs the full ratchet table between a baseline and current snapshot.
// Every emitted violation is blocking, class quality_regression.
func Compare(baseline, current *QualitySnapshot, contract *config.QualityContractConfig) []api.Violation {
	var violations []api.Violation

	if !contract.Quality.AllowTrustDrop && current.TrustScore < baseline.TrustScore {
		violations = append(violations, blocking(
			"quality_delta.trust_regression",
			fmt.Sprintf("trust score regressed: baseline=%d, current=%d", baseline.TrustScore, current.TrustScore),
			nil))
	}
	if current.TrustScore < contract.Quality.MinTrustScore {
		violations = append(violations, blocking(
			"quality_delta.trust_below_minimum",
			fmt.Sprintf("trust score %d below minimum %d", current.TrustScore, contract.Quality.MinTrustScore),
			nil))
	}
	if !contract.Quality.AllowCoverageDrop && current.CoverageCovered < baseline.CoverageCovered {
		violations = append(violations, blocking(
			"quality_delta.coverage_regression",
			fmt.Sprintf("coverage regressed: baseline=%d, current=%d", baseline.CoverageCovered, current.CoverageCovered),
			nil))
	}
	violations = append(violations, coverageMinimumViolations(current, contract)...)

	riskIncrease := current.WeightedRisk - baseline.WeightedRisk
	if riskIncrease > contract.Quality.MaxWeightedRiskIncrease {
		violations = append(violations, blocking(
			"quality_delta.risk_profile_regression",
			fmt.Sprintf("weighted risk increased: baseline=%d, current=%d, increase=%d, max_allowed=%d",
				baseline.WeightedRisk, current.WeightedRisk, riskIncrease, contract.Quality.MaxWeightedRiskIncrease),
			nil))
	}

	paths := make([]string, 0, len(current.LocPerFile))
	for path := range current.LocPerFile {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		currentLoc := current.LocPerFile[path]
		baseLoc, known := baseline.LocPerFile[path]
		if known && currentLoc > baseLoc {
			violations = append(violations, api.Blocking(
				"quality_delta.loc_regression",
				fmt.Sprintf("LOC grew: %s baseline=%d current=%d", path, baseLoc, currentLoc),
				path, nil))
		}
	}

	baselineItems := map[string]struct{}{}
	for _, item := range baseline.SurfaceItems {
		baselineItems[item] = struct{}{}
	}
	var added []string
	for _, item := range current.SurfaceItems {
		if _, known := baselineItems[item]; !known {
			added = append(added, item)
		}
	}
	if len(added) > 0 {
		examples := added
		if len(examples) > 10 {
			examples = examples[:10]
		}
		violations = append(violations, blocking(
			"quality_delta.surface_regression",
			fmt.Sprintf("new public surface items: %d added", len(added)),
			map[string]any{"added_count": len(added), "added_examples": examples}))
	}

	baselineGroups := map[string]struct{}{}
	for _, group := range baseline.DuplicateGroups {
		baselineGroups[strings.Join(group, "\x00")] = struct{}{}
	}
	newGroups := 0
	for _, group := range current.DuplicateGroups {
		if _, known := baselineGroups[strings.Join(group, "\x00")]; !known {
			newGroups++
		}
	}
	if newGroups > 0 {
		violations = append(violations, blocking(
			"quality_delta.duplicates_regression",
			fmt.Sprintf("new duplicate groups: %d added", newGroups),
			map[string]any{"new_groups": newGroups}))
	}

	checkScopeNarrowing(baseline.FileUniverse, current.FileUniverse, contract.Baseline.MaxScopeNarrowing, &violations)

	if baseline.ConfigHash != current.ConfigHash {
		violations = append(violations, blocking(
			"quality_delta.config_changed",
			fmt.Sprintf("config hash changed: baseline=%s, current=%s", baseline.ConfigHash, current.ConfigHash),
			nil))
	}

	return violations
}

func coverageMinimumViolations(current *QualitySnapshot, contract *config.QualityContractConfig) []api.Violation {
	if current.CoverageTotal == 0 {
		return nil
	}
	percent := float64(current.CoverageCovered) / float64(current.CoverageTotal) * 100.0
	if percent >= contract.Quality.MinCoveragePercent {
		return nil
	}
	return []api.Violation{blocking(
		"quality_delta.coverage_below_minimum",
		fmt.Sprintf("coverage %.2f%% below minimum %.2f%%", percent, contract.Quality.MinCoveragePercent),
		map[string]any{"coverage_percent": percent, "min_coverage_percent": contract.Quality.MinCoveragePercent})}
}

// Run loads the baseline, compares in ratchet mode, and optionally writes a
// new baseline under the maintenance guard.
func Run(snapshotPath string, contract *config.QualityContractConfig, current *QualitySnapshot,
	modeRatchet, writeBaseline bool, maintenance *api.BaselineMaintenance) (Result, error) {
	baseline, err := LoadSnapshot(snapshotPath)
	if err != nil {
		return Result{}, err
	}

	var violations []api.Violation
	if modeRatchet && !writeBaseline {
		if baseline != nil {
			violations = append(violations, Compare(baseline, current, contract)...)
		} else {
			// First run: absolute thresholds still apply without a baseline.
			if current.TrustScore < contract.Quality.MinTrustScore {
				violations = append(violations, blocking(
					"quality_delta.trust_below_minimum",
					fmt.Sprintf("trust score %d below minimum %d", current.TrustScore, contract.Quality.MinTrustScore),
					nil))
			}
			violations = append(violations, coverageMinimumViolations(current, contract)...)
		}
	}

	if writeBaseline {
		if modeRatchet {
			if maintenance == nil {
				return Result{}, fmt.Errorf("write_baseline=true in ratchet mode requires baseline_maintenance")
			}
			if len(strings.TrimSpace(maintenance.Reason)) < 20 {
				return Result{}, fmt.Errorf("baseline_maintenance.reason must be >=20 chars (got %d)", len(strings.TrimSpace(maintenance.Reason)))
			}
		}
		if err := WriteSnapshot(snapshotPath, current); err != nil {
			return Result{}, err
		}
	}

	return Result{Violations: violations, BaselineLoaded: baseline != nil}, nil
}

// MigrateFromPriorBaselines assembles a v1 snapshot from the legacy split
// baseline files so existing repos ratchet from their old posture.
func MigrateFromPriorBaselines(repoRoot string, posture api.QualityPosture, writtenAt, configHash string) (*QualitySnapshot, error) {
	baselinesDir := filepath.Join(repoRoot, ".agents/mcp/compas/baselines")

	locPerFile := map[string]int{}
	if raw, err := os.ReadFile(filepath.Join(baselinesDir, "loc.json")); err == nil { // #nosec G304
		var legacy struct {
			Files map[string]int `json:"files"`
		}
		if parseErr := json.Unmarshal(raw, &legacy); parseErr != nil {
			return nil, fmt.Errorf("parse legacy loc baseline: %w", parseErr)
		}
		locPerFile = legacy.Files
	}

	var surfaceItems []string
	if raw, err := os.ReadFile(filepath.Join(baselinesDir, "public_surface.json")); err == nil { // #nosec G304
		var legacy struct {
			Items []string `json:"items"`
		}
		if parseErr := json.Unmarshal(raw, &legacy); parseErr != nil {
			return nil, fmt.Errorf("parse legacy surface baseline: %w", parseErr)
		}
		surfaceItems = legacy.Items
	}

	var duplicateGroups [][]string
	if raw, err := os.ReadFile(filepath.Join(baselinesDir, "duplicates.json")); err == nil { // #nosec G304
		var legacy struct {
			Groups []struct {
				Paths []string `json:"paths"`
			} `json:"groups"`
		}
		if parseErr := json.Unmarshal(raw, &legacy); parseErr != nil {
			return nil, fmt.Errorf("parse legacy duplicates baseline: %w", parseErr)
		}
		for _, group := range legacy.Groups {
			paths := append([]string(nil), group.Paths...)
			sort.Strings(paths)
			duplicateGroups = append(duplicateGroups, paths)
		}
	}

	snapshot := &QualitySnapshot{
		Version:         SnapshotVersion,
		TrustScore:      posture.TrustScore,
		CoverageCovered: posture.CoverageCovered,
		CoverageTotal:   posture.CoverageTotal,
		WeightedRisk:    posture.WeightedRisk,
		RiskBySeverity:  map[string]int{},
		LocPerFile:      locPerFile,
		SurfaceItems:    surfaceItems,
		DuplicateGroups: duplicateGroups,
		WrittenAt:       writtenAt,
		ConfigHash:      configHash,
	}
	snapshot.Normalize()
	return snapshot, nil
}

// HasPriorBaselines reports whether any legacy split baseline exists.
func HasPriorBaselines(repoRoot string) bool {
	base := filepath.Join(repoRoot, ".agents/mcp/compas/baselines")
	for _, name := range []string{"loc.json", "public_surface.json", "duplicates.json"} {
		if info, err := os.Stat(filepath.Join(base, name)); err == nil && info.Mode().IsRegular() {
			return true
		}
	}
	return false
}
