package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"stockledger/internal/models"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Policy holds the tunable business rules of the engine.
type Policy struct {
	Variance    VariancePolicy `yaml:"variance" toml:"variance"`
	Approval    ApprovalPolicy `yaml:"approval" toml:"approval"`
	Ledger      LedgerPolicy   `yaml:"ledger" toml:"ledger"`
	Valuation   string         `yaml:"valuation" toml:"valuation"`
	BlindCounts bool           `yaml:"blind_counts" toml:"blind_counts"`
}

// VariancePolicy controls when a count is flagged and when a recount agrees.
type VariancePolicy struct {
	Threshold             float64 `yaml:"threshold" toml:"threshold"`
	RecountTolerancePct   float64 `yaml:"recount_tolerance_pct" toml:"recount_tolerance_pct"`
	RecountToleranceUnits int     `yaml:"recount_tolerance_units" toml:"recount_tolerance_units"`
}

type ApprovalPolicy struct {
	ApproverRoles       []models.Role `yaml:"approver_roles" toml:"approver_roles"`
	SecondApproverRoles []models.Role `yaml:"second_approver_roles" toml:"second_approver_roles"`
	LargeVarianceUnits  int           `yaml:"large_variance_units" toml:"large_variance_units"`
	LargeVarianceCost   float64       `yaml:"large_variance_cost" toml:"large_variance_cost"`
}

type LedgerPolicy struct {
	AllowNegativeCorrections bool          `yaml:"allow_negative_corrections" toml:"allow_negative_corrections"`
	LockTimeout              time.Duration `yaml:"lock_timeout" toml:"lock_timeout"`
	RetryAttempts            int           `yaml:"retry_attempts" toml:"retry_attempts"`
	CacheTTL                 time.Duration `yaml:"cache_ttl" toml:"cache_ttl"`
}

func DefaultPolicy() Policy {
	return Policy{
		Variance: VariancePolicy{
			Threshold:           0.05,
			RecountTolerancePct: 0.05,
		},
		Approval: ApprovalPolicy{
			ApproverRoles:       []models.Role{models.RoleManager, models.RoleAdmin},
			SecondApproverRoles: []models.Role{models.RoleManager, models.RoleAdmin},
			LargeVarianceUnits:  100,
			LargeVarianceCost:   1000,
		},
		Ledger: LedgerPolicy{
			LockTimeout:   2 * time.Second,
			RetryAttempts: 5,
			CacheTTL:      5 * time.Minute,
		},
		Valuation:   "current_cost",
		BlindCounts: true,
	}
}

// LoadPolicy decodes a policy file over the defaults. The format is chosen by
// extension. An empty path yields the defaults.
func LoadPolicy(path string) (Policy, error) {
	policy := DefaultPolicy()
	if path == "" {
		return policy, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return policy, nil
		}
		return policy, fmt.Errorf("failed to read policy file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &policy); err != nil {
			return policy, fmt.Errorf("failed to decode policy file: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &policy); err != nil {
			return policy, fmt.Errorf("failed to decode policy file: %w", err)
		}
	default:
		return policy, fmt.Errorf("unsupported policy file format %q", filepath.Ext(path))
	}
	if err := policy.Validate(); err != nil {
		return policy, err
	}
	return policy, nil
}

func (p Policy) Validate() error {
	if p.Variance.Threshold < 0 || p.Variance.Threshold > 1 {
		return fmt.Errorf("variance.threshold must be between 0 and 1")
	}
	if p.Variance.RecountTolerancePct < 0 || p.Variance.RecountTolerancePct > 1 {
		return fmt.Errorf("variance.recount_tolerance_pct must be between 0 and 1")
	}
	if p.Variance.RecountToleranceUnits < 0 {
		return fmt.Errorf("variance.recount_tolerance_units cannot be negative")
	}
	if len(p.Approval.ApproverRoles) == 0 {
		return fmt.Errorf("approval.approver_roles cannot be empty")
	}
	for _, r := range append(append([]models.Role{}, p.Approval.ApproverRoles...), p.Approval.SecondApproverRoles...) {
		if !r.Valid() {
			return fmt.Errorf("unknown role %q in approval policy", r)
		}
	}
	if p.Ledger.RetryAttempts < 1 {
		return fmt.Errorf("ledger.retry_attempts must be at least 1")
	}
	if p.Ledger.LockTimeout < 0 {
		return fmt.Errorf("ledger.lock_timeout cannot be negative")
	}
	switch p.Valuation {
	case "current_cost", "base_price":
	default:
		return fmt.Errorf("valuation must be current_cost or base_price, got %q", p.Valuation)
	}
	return nil
}
