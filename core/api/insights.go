package api

type FindingSeverity string

const (
	SeverityCritical FindingSeverity = "critical"
	SeverityHigh     FindingSeverity = "high"
	SeverityMedium   FindingSeverity = "medium"
	SeverityLow      FindingSeverity = "low"
)

type FindingDetailsV2 struct {
	Severity      FindingSeverity `json:"severity"`
	Category      string          `json:"category"`
	Confidence    string          `json:"confidence"`
	FixRecipe     string          `json:"fix_recipe,omitempty"`
	LegacyDetails map[string]any  `json:"legacy_details,omitempty"`
}

type FindingV2 struct {
	Code    string           `json:"code"`
	Message string           `json:"message"`
	Path    string           `json:"path,omitempty"`
	Details FindingDetailsV2 `json:"details"`
}

type RiskSummary struct {
	FindingsTotal int            `json:"findings_total"`
	ByCategory    map[string]int `json:"by_category"`
	BySeverity    map[string]int `json:"by_severity"`
}

type CoverageSummary struct {
	CatalogTotal     int      `json:"catalog_total"`
	CatalogCovered   int      `json:"catalog_covered"`
	Percent          float64  `json:"percent"`
	CoveredModes     []string `json:"covered_modes"`
	UncoveredModes   []string `json:"uncovered_modes"`
	IneffectiveModes []string `json:"declared_but_ineffective_modes"`
}

type TrustWeights struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
}

type TrustScore struct {
	Score           int          `json:"score"`
	Grade           string       `json:"grade"`
	Weights         TrustWeights `json:"weights"`
	CoveragePenalty int          `json:"coverage_penalty"`
}

type AgentDigest struct {
	TopBlockers        []string `json:"top_blockers"`
	RootCauses         []string `json:"root_causes"`
	MinimalFixSteps    []string `json:"minimal_fix_steps"`
	Confidence         string   `json:"confidence"`
	SuppressedCount    int      `json:"suppressed_count"`
	SuppressedTopCodes []string `json:"suppressed_top_codes"`
}
