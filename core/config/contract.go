package config

// QualityContractConfig mirrors quality_contract.toml. Defaults are applied
// after decode so that a missing section keeps the fail-closed posture.

type QualityContractConfig struct {
	Quality         QualityThresholds `toml:"quality"`
	Exceptions      ExceptionLimits   `toml:"exceptions"`
	ReceiptDefaults ReceiptDefaults   `toml:"receipt_defaults"`
	Governance      GovernanceConfig  `toml:"governance"`
	Baseline        BaselineConfig    `toml:"baseline"`
	Proof           ProofConfig       `toml:"proof"`
}

type QualityThresholds struct {
	MinTrustScore           int     `toml:"min_trust_score"`
	MinCoveragePercent      float64 `toml:"min_coverage_percent"`
	AllowTrustDrop          bool    `toml:"allow_trust_drop"`
	AllowCoverageDrop       bool    `toml:"allow_coverage_drop"`
	MaxWeightedRiskIncrease int     `toml:"max_weighted_risk_increase"`
}

type ExceptionLimits struct {
	MaxExceptions          int     `toml:"max_exceptions"`
	MaxSuppressedRatio     float64 `toml:"max_suppressed_ratio"`
	MaxExceptionWindowDays int     `toml:"max_exception_window_days"`
}

type ReceiptDefaults struct {
	MinDurationMS  int64 `toml:"min_duration_ms"`
	MinStdoutBytes int   `toml:"min_stdout_bytes"`
}

type GovernanceConfig struct {
	MandatoryChecks       []string `toml:"mandatory_checks"`
	MandatoryFailureModes []string `toml:"mandatory_failure_modes"`
	MinFailureModes       int      `toml:"min_failure_modes"`
	ConfigHash            string   `toml:"config_hash"`
}

type BaselineConfig struct {
	SnapshotPath      string  `toml:"snapshot_path"`
	MaxScopeNarrowing float64 `toml:"max_scope_narrowing"`
}

type ProofConfig struct {
	RequireWitness *bool `toml:"require_witness"`
}

const DefaultSnapshotPath = ".agents/mcp/compas/baselines/quality_snapshot.json"

// ApplyDefaults fills unset thresholds with the contract's fail-closed defaults.
func (c *QualityContractConfig) ApplyDefaults() {
	if c.Quality.MinTrustScore == 0 {
		c.Quality.MinTrustScore = 60
	}
	if c.Quality.MinCoveragePercent == 0 {
		c.Quality.MinCoveragePercent = 60.0
	}
	if c.Exceptions.MaxExceptions == 0 {
		c.Exceptions.MaxExceptions = 10
	}
	if c.Exceptions.MaxSuppressedRatio == 0 {
		c.Exceptions.MaxSuppressedRatio = 0.30
	}
	if c.Exceptions.MaxExceptionWindowDays == 0 {
		c.Exceptions.MaxExceptionWindowDays = 90
	}
	if c.ReceiptDefaults.MinDurationMS == 0 {
		c.ReceiptDefaults.MinDurationMS = 500
	}
	if c.ReceiptDefaults.MinStdoutBytes == 0 {
		c.ReceiptDefaults.MinStdoutBytes = 10
	}
	if c.Governance.MinFailureModes == 0 {
		c.Governance.MinFailureModes = 8
	}
	if c.Baseline.SnapshotPath == "" {
		c.Baseline.SnapshotPath = DefaultSnapshotPath
	}
	if c.Baseline.MaxScopeNarrowing == 0 {
		c.Baseline.MaxScopeNarrowing = 0.10
	}
}

// RequireWitness defaults to true: gates must leave evidence unless the
// contract explicitly opts out.
func (c QualityContractConfig) RequireWitness() bool {
	if c.Proof.RequireWitness == nil {
		return true
	}
	return *c.Proof.RequireWitness
}
