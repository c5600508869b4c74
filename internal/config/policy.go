package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/mbd888/escrowsync/internal/escrow"
	"github.com/mbd888/escrowsync/internal/ratelimit"
)

// Policy is the tunable business policy. Example file:
//
//	tiers:
//	  - name: small
//	    maxAmount: "100"
//	    timeout: 5m
//	  - name: xlarge
//	    timeout: 30m
//	limits:
//	  acceptsPerHour: 10
//	  acceptsPerDay: 50
//	  createCooldown: 30s
//	maxProofRejections: 3
type Policy struct {
	Tiers              []TierConfig           `yaml:"tiers"`
	Limits             ratelimit.PolicyConfig `yaml:"limits"`
	MaxProofRejections int                    `yaml:"maxProofRejections"`
}

// TierConfig is one escrow tier. An empty MaxAmount marks the open-ended
// top tier.
type TierConfig struct {
	Name      string        `yaml:"name"`
	MaxAmount string        `yaml:"maxAmount"`
	Timeout   time.Duration `yaml:"timeout"`
}

const DefaultMaxProofRejections = 3

func DefaultPolicy() *Policy {
	p := &Policy{
		Limits:             ratelimit.DefaultPolicyConfig(),
		MaxProofRejections: DefaultMaxProofRejections,
	}
	for _, t := range escrow.DefaultTiers().List() {
		tc := TierConfig{Name: t.Name, Timeout: t.Timeout}
		if !t.Unbounded() {
			tc.MaxAmount = t.Max.String()
		}
		p.Tiers = append(p.Tiers, tc)
	}
	return p
}

// LoadPolicy reads a YAML policy file. Sections left out of the file keep
// their defaults.
func LoadPolicy(path string) (*Policy, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}

	var file Policy
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}

	p := DefaultPolicy()
	if len(file.Tiers) > 0 {
		p.Tiers = file.Tiers
	}
	if file.Limits != (ratelimit.PolicyConfig{}) {
		p.Limits = file.Limits
	}
	if file.MaxProofRejections > 0 {
		p.MaxProofRejections = file.MaxProofRejections
	}

	if _, err := p.EscrowTiers(); err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return p, nil
}

// EscrowTiers converts the tier table into escrow.Tiers.
func (p *Policy) EscrowTiers() (*escrow.Tiers, error) {
	tiers := make([]escrow.Tier, 0, len(p.Tiers))
	for _, tc := range p.Tiers {
		t := escrow.Tier{Name: tc.Name, Timeout: tc.Timeout}
		if tc.MaxAmount != "" {
			limit, err := decimal.NewFromString(tc.MaxAmount)
			if err != nil {
				return nil, fmt.Errorf("tier %q: invalid maxAmount %q", tc.Name, tc.MaxAmount)
			}
			t.Max = limit
		}
		tiers = append(tiers, t)
	}
	return escrow.NewTiers(tiers)
}
