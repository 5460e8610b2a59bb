// Package settlement splits a sale price into platform commission and seller payout.
//
// Amounts are whole pounds. Commission is rounded half-up in integer
// arithmetic, which for positive prices matches rounding half away from zero.
package settlement

import (
	"errors"
	"fmt"
	"math"
	"os"

	pkgerrors "github.com/honeynil/GearAuctionService/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	// MaxSalePrice guards against a pence amount being passed as pounds.
	MaxSalePrice int64 = 250_000

	bpsDenominator int64 = 10_000
)

// Tier applies Bps to prices up to and including UpTo. UpTo of zero marks the
// final, unbounded tier.
type Tier struct {
	UpTo int64 `yaml:"up_to"`
	Bps  int64 `yaml:"bps"`
}

// DefaultTiers is the standard commission table.
var DefaultTiers = []Tier{
	{UpTo: 499, Bps: 1200},
	{UpTo: 999, Bps: 1000},
	{UpTo: 2499, Bps: 800},
	{UpTo: 4999, Bps: 700},
	{UpTo: 0, Bps: 600},
}

type Options struct {
	FixedFee int64
	// RatePercentOverride replaces the tier lookup, e.g. 7.5 for 7.5%.
	RatePercentOverride *float64
}

type Result struct {
	SalePrice         int64 `json:"sale_price"`
	CommissionRateBps int64 `json:"commission_rate_bps"`
	CommissionAmount  int64 `json:"commission_amount"`
	FixedFeeApplied   int64 `json:"fixed_fee_applied"`
	SellerPayout      int64 `json:"seller_payout"`
}

// RatePercent returns the commission rate as a percentage.
func (r Result) RatePercent() float64 {
	return float64(r.CommissionRateBps) / 100
}

type Calculator struct {
	tiers []Tier
}

// NewCalculator validates tiers. A nil or empty table uses DefaultTiers.
func NewCalculator(tiers []Tier) (*Calculator, error) {
	if len(tiers) == 0 {
		tiers = DefaultTiers
	}
	if err := validateTiers(tiers); err != nil {
		return nil, err
	}
	cp := make([]Tier, len(tiers))
	copy(cp, tiers)
	return &Calculator{tiers: cp}, nil
}

// MustDefault returns a calculator over DefaultTiers.
func MustDefault() *Calculator {
	c, err := NewCalculator(DefaultTiers)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Calculator) Tiers() []Tier {
	out := make([]Tier, len(c.tiers))
	copy(out, c.tiers)
	return out
}

// RateFor returns the commission rate in basis points for salePrice.
func (c *Calculator) RateFor(salePrice int64) int64 {
	for _, t := range c.tiers {
		if t.UpTo == 0 || salePrice <= t.UpTo {
			return t.Bps
		}
	}
	// unreachable for a validated table
	return c.tiers[len(c.tiers)-1].Bps
}

func (c *Calculator) Compute(salePrice int64, opts Options) (Result, error) {
	if salePrice <= 0 || salePrice > MaxSalePrice {
		return Result{}, fmt.Errorf("%w: sale price %d", pkgerrors.ErrInvalidAmount, salePrice)
	}
	if opts.FixedFee < 0 {
		return Result{}, fmt.Errorf("%w: fixed fee %d", pkgerrors.ErrInvalidAmount, opts.FixedFee)
	}

	bps := c.RateFor(salePrice)
	if opts.RatePercentOverride != nil {
		p := *opts.RatePercentOverride
		if math.IsNaN(p) || math.IsInf(p, 0) || p < 0 || p > 100 {
			return Result{}, fmt.Errorf("%w: commission override %v", pkgerrors.ErrInvalidAmount, p)
		}
		bps = int64(math.Round(p * 100))
	}

	commission := (salePrice*bps + bpsDenominator/2) / bpsDenominator
	payout := salePrice - commission - opts.FixedFee
	if payout < 0 {
		payout = 0
	}

	return Result{
		SalePrice:         salePrice,
		CommissionRateBps: bps,
		CommissionAmount:  commission,
		FixedFeeApplied:   opts.FixedFee,
		SellerPayout:      payout,
	}, nil
}

func validateTiers(tiers []Tier) error {
	if len(tiers) == 0 {
		return errors.New("commission table is empty")
	}
	var prevUpTo int64
	prevBps := int64(math.MaxInt64)
	for i, t := range tiers {
		last := i == len(tiers)-1
		if t.Bps < 0 || t.Bps > bpsDenominator {
			return fmt.Errorf("tier %d: rate %d bps out of range", i, t.Bps)
		}
		if t.Bps > prevBps {
			return fmt.Errorf("tier %d: rate increases with price", i)
		}
		switch {
		case last && t.UpTo != 0:
			return fmt.Errorf("tier %d: final tier must be unbounded", i)
		case !last && t.UpTo <= prevUpTo:
			return fmt.Errorf("tier %d: bounds must be positive and ascending", i)
		}
		prevUpTo, prevBps = t.UpTo, t.Bps
	}
	return nil
}

type tierFile struct {
	Tiers []Tier `yaml:"tiers"`
}

// LoadTiers reads a commission table from a YAML file of the form
//
//	tiers:
//	  - {up_to: 499, bps: 1200}
//	  - {up_to: 0, bps: 600}
func LoadTiers(path string) ([]Tier, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read commission tiers: %w", err)
	}
	var f tierFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse commission tiers: %w", err)
	}
	if err := validateTiers(f.Tiers); err != nil {
		return nil, fmt.Errorf("commission tiers %s: %w", path, err)
	}
	return f.Tiers, nil
}
