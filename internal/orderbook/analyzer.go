// Package orderbook derives liquidity metrics and a categorical signal from
// order-book snapshots.
package orderbook

import (
	"github.com/shopspring/decimal"

	"trade_engine/internal/core"
)

// Signal is the categorical outcome of an analysis
type Signal string

const (
	SignalReject     Signal = "REJECT"
	SignalStrongBuy  Signal = "STRONG_BUY"
	SignalWeakBuy    Signal = "WEAK_BUY"
	SignalNeutral    Signal = "NEUTRAL"
	SignalWeakSell   Signal = "WEAK_SELL"
	SignalStrongSell Signal = "STRONG_SELL"
)

// IsSellish reports whether the signal argues against entering a buy
func (s Signal) IsSellish() bool {
	return s == SignalReject || s == SignalWeakSell || s == SignalStrongSell
}

// slippageSentinel is returned when the book is too thin to absorb the
// typical order size.
var slippageSentinel = decimal.NewFromInt(999)

// maxSlippagePercent is the hard-reject bound on either side
var maxSlippagePercent = decimal.NewFromInt(2)

// supportMaxPctFromMid bounds how far from mid a support/resistance level
// may sit (percent).
var supportMaxPctFromMid = decimal.NewFromInt(2)

// Config tunes the analyzer
type Config struct {
	MinVolumeThreshold decimal.Decimal
	BigWallThreshold   decimal.Decimal
	MaxSpreadPercent   decimal.Decimal
	MinLiquidityDepth  int
	// TypicalOrderSize is quote-denominated; slippage simulates executing it
	TypicalOrderSize decimal.Decimal
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		MinVolumeThreshold: decimal.NewFromInt(1),
		BigWallThreshold:   decimal.NewFromInt(10),
		MaxSpreadPercent:   decimal.NewFromFloat(0.5),
		MinLiquidityDepth:  5,
		TypicalOrderSize:   decimal.NewFromInt(100),
	}
}

// Metrics are the derived quantities of one snapshot
type Metrics struct {
	BestBid         decimal.Decimal
	BestAsk         decimal.Decimal
	SpreadPercent   decimal.Decimal
	BidVolume       decimal.Decimal
	AskVolume       decimal.Decimal
	VolumeImbalance decimal.Decimal
	LiquidityDepth  decimal.Decimal

	SupportLevel    decimal.Decimal
	HasSupport      bool
	SupportSize     decimal.Decimal
	ResistanceLevel decimal.Decimal
	HasResistance   bool
	ResistanceSize  decimal.Decimal

	SlippageBuy  decimal.Decimal
	SlippageSell decimal.Decimal

	BigBidWalls []core.BookLevel
	BigAskWalls []core.BookLevel
}

// Analysis is the full outcome: metrics, score, signal, confidence
type Analysis struct {
	Metrics    Metrics
	Score      int
	Signal     Signal
	Confidence float64
	Reason     string
}

// Analyzer scores order-book snapshots
type Analyzer struct {
	cfg    Config
	logger core.Logger
}

// NewAnalyzer creates an analyzer
func NewAnalyzer(cfg Config, logger core.Logger) *Analyzer {
	return &Analyzer{cfg: cfg, logger: logger.WithField("component", "orderbook_analyzer")}
}

// Analyze derives metrics and synthesizes the signal for one snapshot
func (a *Analyzer) Analyze(ob *core.OrderBookSnapshot) *Analysis {
	if len(ob.Bids) < a.cfg.MinLiquidityDepth || len(ob.Asks) < a.cfg.MinLiquidityDepth {
		return &Analysis{Signal: SignalReject, Confidence: 0.5, Reason: "book too shallow"}
	}

	m := a.computeMetrics(ob)

	if reason := a.hardReject(&m); reason != "" {
		a.logger.Debug("Order book rejected", "reason", reason, "symbol", ob.Symbol)
		return &Analysis{Metrics: m, Signal: SignalReject, Confidence: 0.5, Reason: reason}
	}

	score, confidence := a.score(&m)

	var sig Signal
	switch {
	case score >= 3:
		sig = SignalStrongBuy
	case score >= 1:
		sig = SignalWeakBuy
	case score <= -3:
		sig = SignalStrongSell
	case score <= -1:
		sig = SignalWeakSell
	default:
		sig = SignalNeutral
	}

	return &Analysis{Metrics: m, Score: score, Signal: sig, Confidence: confidence}
}

func (a *Analyzer) hardReject(m *Metrics) string {
	if m.SpreadPercent.GreaterThan(a.cfg.MaxSpreadPercent) {
		return "spread too wide"
	}
	if m.SlippageBuy.GreaterThan(maxSlippagePercent) || m.SlippageSell.GreaterThan(maxSlippagePercent) {
		return "slippage too high"
	}
	if m.LiquidityDepth.LessThan(decimal.NewFromInt(int64(a.cfg.MinLiquidityDepth))) {
		return "liquidity too thin"
	}
	if m.BidVolume.Add(m.AskVolume).LessThan(a.cfg.MinVolumeThreshold) {
		return "volume below threshold"
	}
	return ""
}

func (a *Analyzer) score(m *Metrics) (int, float64) {
	score := 0
	confidence := 0.5

	bump := func(delta int) {
		score += delta
		confidence += 0.09
	}

	imb := m.VolumeImbalance
	switch {
	case imb.GreaterThan(decimal.NewFromInt(20)):
		bump(2)
	case imb.GreaterThan(decimal.NewFromInt(10)):
		bump(1)
	case imb.LessThan(decimal.NewFromInt(-20)):
		bump(-2)
	case imb.LessThan(decimal.NewFromInt(-10)):
		bump(-1)
	}

	// Whichever side's wall dominates pulls the score its way
	if m.HasSupport || m.HasResistance {
		if m.SupportSize.GreaterThan(m.ResistanceSize) {
			bump(1)
		} else if m.ResistanceSize.GreaterThan(m.SupportSize) {
			bump(-1)
		}
	}

	minDepth := decimal.NewFromInt(int64(a.cfg.MinLiquidityDepth))
	if m.LiquidityDepth.GreaterThanOrEqual(minDepth.Mul(decimal.NewFromInt(2))) {
		bump(1)
	}

	tight := decimal.NewFromFloat(0.1)
	if m.SlippageBuy.LessThan(tight) && m.SlippageSell.LessThan(tight) {
		bump(1)
	}

	if confidence > 0.95 {
		confidence = 0.95
	}
	return score, confidence
}

func (a *Analyzer) computeMetrics(ob *core.OrderBookSnapshot) Metrics {
	m := Metrics{
		BestBid: ob.BestBid(),
		BestAsk: ob.BestAsk(),
	}

	hundred := decimal.NewFromInt(100)
	if m.BestBid.Sign() > 0 {
		m.SpreadPercent = m.BestAsk.Sub(m.BestBid).Div(m.BestBid).Mul(hundred)
	}

	depth := a.cfg.MinLiquidityDepth
	for _, lvl := range topLevels(ob.Bids, depth) {
		m.BidVolume = m.BidVolume.Add(lvl.Size)
	}
	for _, lvl := range topLevels(ob.Asks, depth) {
		m.AskVolume = m.AskVolume.Add(lvl.Size)
	}

	total := m.BidVolume.Add(m.AskVolume)
	if total.Sign() > 0 {
		m.VolumeImbalance = m.BidVolume.Sub(m.AskVolume).Div(total).Mul(hundred)
	}

	mid := ob.Mid()
	m.LiquidityDepth = liquidityDepth(ob, mid)

	m.SupportLevel, m.SupportSize, m.HasSupport = wallLevel(ob.Bids, mid)
	m.ResistanceLevel, m.ResistanceSize, m.HasResistance = wallLevel(ob.Asks, mid)

	m.SlippageBuy = slippage(ob.Asks, a.cfg.TypicalOrderSize)
	m.SlippageSell = slippage(ob.Bids, a.cfg.TypicalOrderSize)

	for _, lvl := range ob.Bids {
		if lvl.Size.GreaterThan(a.cfg.BigWallThreshold) {
			m.BigBidWalls = append(m.BigBidWalls, lvl)
		}
	}
	for _, lvl := range ob.Asks {
		if lvl.Size.GreaterThan(a.cfg.BigWallThreshold) {
			m.BigAskWalls = append(m.BigAskWalls, lvl)
		}
	}

	return m
}

// liquidityDepth is the total size within 5% of mid divided by the widest
// relative price distance observed among those levels.
func liquidityDepth(ob *core.OrderBookSnapshot, mid decimal.Decimal) decimal.Decimal {
	if mid.Sign() <= 0 {
		return decimal.Zero
	}

	band := decimal.NewFromFloat(0.05)
	total := decimal.Zero
	maxDist := decimal.Zero

	scan := func(levels []core.BookLevel) {
		for _, lvl := range levels {
			dist := lvl.Price.Sub(mid).Abs().Div(mid)
			if dist.GreaterThan(band) {
				continue
			}
			total = total.Add(lvl.Size)
			if dist.GreaterThan(maxDist) {
				maxDist = dist
			}
		}
	}
	scan(ob.Bids)
	scan(ob.Asks)

	if maxDist.Sign() <= 0 {
		return total
	}
	return total.Div(maxDist.Mul(decimal.NewFromInt(100)))
}

// wallLevel finds the largest level within the top 20, but only accepts it
// when it sits within 2% of mid.
func wallLevel(levels []core.BookLevel, mid decimal.Decimal) (decimal.Decimal, decimal.Decimal, bool) {
	if mid.Sign() <= 0 {
		return decimal.Zero, decimal.Zero, false
	}

	var best core.BookLevel
	found := false
	for _, lvl := range topLevels(levels, 20) {
		if !found || lvl.Size.GreaterThan(best.Size) {
			best = lvl
			found = true
		}
	}
	if !found {
		return decimal.Zero, decimal.Zero, false
	}

	distPct := best.Price.Sub(mid).Abs().Div(mid).Mul(decimal.NewFromInt(100))
	if distPct.GreaterThan(supportMaxPctFromMid) {
		return decimal.Zero, decimal.Zero, false
	}
	return best.Price, best.Size, true
}

// slippage walks the book spending a quote-denominated order size and
// returns the VWAP's distance from the best level in percent. A book too
// thin to absorb the order returns the 999 sentinel.
func slippage(levels []core.BookLevel, quoteSize decimal.Decimal) decimal.Decimal {
	if len(levels) == 0 || quoteSize.Sign() <= 0 {
		return slippageSentinel
	}

	best := levels[0].Price
	remainingQuote := quoteSize
	baseAcquired := decimal.Zero
	quoteSpent := decimal.Zero

	for _, lvl := range levels {
		levelQuote := lvl.Price.Mul(lvl.Size)
		if levelQuote.GreaterThanOrEqual(remainingQuote) {
			baseAcquired = baseAcquired.Add(remainingQuote.Div(lvl.Price))
			quoteSpent = quoteSpent.Add(remainingQuote)
			remainingQuote = decimal.Zero
			break
		}
		baseAcquired = baseAcquired.Add(lvl.Size)
		quoteSpent = quoteSpent.Add(levelQuote)
		remainingQuote = remainingQuote.Sub(levelQuote)
	}

	if remainingQuote.Sign() > 0 || baseAcquired.Sign() <= 0 {
		return slippageSentinel
	}

	avg := quoteSpent.Div(baseAcquired)
	return avg.Sub(best).Abs().Div(best).Mul(decimal.NewFromInt(100))
}

func topLevels(levels []core.BookLevel, n int) []core.BookLevel {
	if len(levels) < n {
		return levels
	}
	return levels[:n]
}
