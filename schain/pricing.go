package schain

import (
	"github.com/hashicorp/go-hclog"
	"github.com/holiman/uint256"
)

// Dynamic gas price bounds. The price drifts up by 1% after a block at 70%+
// of the target batch size and down by 1% otherwise, never below the floor.
var (
	basePrice  = uint256.NewInt(100000)
	floorPrice = uint256.NewInt(1000)
	hundred    = uint256.NewInt(100)
)

// PricingAgent derives the dynamic gas price from block fullness and
// persists one price per committed height.
type PricingAgent struct {
	schain *Schain
	logger hclog.Logger
}

// NewPricingAgent creates the agent.
func NewPricingAgent(s *Schain) *PricingAgent {
	return &PricingAgent{schain: s, logger: s.logger.Named("pricing")}
}

// CalculatePrice computes and persists the price that applies after the
// block at blockID committed with txCount transactions.
func (p *PricingAgent) CalculatePrice(txCount int, blockID uint64) *uint256.Int {
	price := p.ReadPrice(blockID - 1)

	delta := new(uint256.Int).Div(price, hundred)
	target := p.schain.conf.BatchSize
	if target > 0 && txCount*10 >= target*7 {
		price = new(uint256.Int).Add(price, delta)
	} else {
		price = new(uint256.Int).Sub(price, delta)
		if price.Lt(floorPrice) {
			price = floorPrice.Clone()
		}
	}

	if err := p.schain.priceDB.SavePrice(blockID, price); err != nil {
		p.schain.exitOnFatalError("cannot persist block price", err)
	}
	return price
}

// ReadPrice returns the price recorded at the height, or the base price for
// height 0 and unrecorded heights.
func (p *PricingAgent) ReadPrice(blockID uint64) *uint256.Int {
	if blockID == 0 {
		return basePrice.Clone()
	}
	price, err := p.schain.priceDB.ReadPrice(blockID)
	if err != nil {
		p.schain.exitOnFatalError("cannot read block price", err)
		return basePrice.Clone()
	}
	if price == nil {
		return basePrice.Clone()
	}
	return price
}
