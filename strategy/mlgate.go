package strategy

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/shopspring/decimal"

	"github.com/ktsuji/scalpd/indicator"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ML GATE - GO/NOGO on expected value of a proposed trade
// ═══════════════════════════════════════════════════════════════════════════════

// GateFeatures is the numeric feature vector handed to the estimator. Scores
// live in probability space so this is the one place decimals become floats.
type GateFeatures struct {
	Imbalance     float64
	ImbalanceOK   bool
	SpreadTicks   float64
	MACDDiff      float64
	MACDOK        bool
	RSI           float64
	RSIOK         bool
	PushesPerMin  float64
	VWAPDiffTicks float64
	VWAPOK        bool
}

// GateFeaturesFrom derives the estimator inputs from a snapshot.
func GateFeaturesFrom(snap indicator.Snapshot, tick decimal.Decimal) GateFeatures {
	f := GateFeatures{PushesPerMin: float64(snap.PushRate)}
	if snap.ImbalanceOK {
		f.Imbalance = snap.Imbalance.InexactFloat64()
		f.ImbalanceOK = true
	}
	if tick.IsPositive() {
		f.SpreadTicks = snap.Spread.Div(tick).InexactFloat64()
		if snap.VWAP.IsPositive() && snap.LastPrice.IsPositive() {
			f.VWAPDiffTicks = snap.LastPrice.Sub(snap.VWAP).Div(tick).InexactFloat64()
			f.VWAPOK = true
		}
	}
	if snap.MACDOK {
		f.MACDDiff = snap.MACD.Sub(snap.MACDSignal).InexactFloat64()
		f.MACDOK = true
	}
	if snap.RSIOK {
		f.RSI = snap.RSI14.InexactFloat64()
		f.RSIOK = true
	}
	return f
}

// ProbabilityEstimator predicts P(take-profit fills before stop-loss) for a
// proposed entry. Implementations must be side-effect free.
type ProbabilityEstimator interface {
	ProbTPFirst(f GateFeatures) (float64, error)
}

// Decision is the gate output. Ephemeral, audit-logged only.
type Decision struct {
	Go          bool
	ProbTPFirst float64
	EVTicks     float64
	Reason      string
}

// GateConfig tunes the gate. Disabled by default until a trained model is
// loaded; a disabled gate accepts everything.
type GateConfig struct {
	Enabled    bool
	MinProb    float64
	MinEVTicks float64
	CostTicks  float64 // fees + expected slippage, in ticks
	ModelPath  string
}

// DefaultGateConfig returns the production defaults.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		Enabled:   false,
		MinProb:   0.55,
		CostTicks: 0.10,
	}
}

// Gate scores intents. With no estimator injected it falls back to a bounded
// logistic heuristic over the live features.
type Gate struct {
	cfg GateConfig
	est ProbabilityEstimator
}

// NewGate creates a gate. est may be nil.
func NewGate(cfg GateConfig, est ProbabilityEstimator) *Gate {
	return &Gate{cfg: cfg, est: est}
}

// Evaluate scores one intent. penalty is subtracted from the probability
// before thresholding (the spoof gate's soft suppression); pass 0 for none.
func (g *Gate) Evaluate(intent *OrderIntent, f GateFeatures, penalty float64) Decision {
	if !g.cfg.Enabled {
		return Decision{Go: true, ProbTPFirst: 0.5, EVTicks: 0, Reason: "ml_disabled"}
	}

	var p float64
	if g.est != nil {
		v, err := g.est.ProbTPFirst(f)
		if err != nil {
			p = 0.5
		} else {
			p = v
		}
	} else {
		p = heuristicProba(f)
	}
	if penalty > 0 {
		p = math.Max(0.01, p-penalty)
	}

	tp := intent.TPTicks
	if tp < 1 {
		tp = 1
	}
	sl := intent.SLTicks
	if sl < 1 {
		sl = 1
	}
	ev := p*float64(tp) - (1.0-p)*float64(sl) - g.cfg.CostTicks

	return Decision{
		Go:          p >= g.cfg.MinProb && ev >= g.cfg.MinEVTicks,
		ProbTPFirst: p,
		EVTicks:     ev,
		Reason:      fmt.Sprintf("p=%.2f ev=%.2f tp/sl=%d/%d", p, ev, tp, sl),
	}
}

// heuristicProba is the stand-in when no trained model is loaded. Fixed
// coefficients, clamped well away from certainty.
func heuristicProba(f GateFeatures) float64 {
	rsiTerm := 0.0
	if f.RSIOK {
		r := math.Min(math.Max(f.RSI/100.0, 0), 1)
		rsiTerm = 0.5 - math.Abs(0.5-r)
	}
	z := 1.2*f.Imbalance -
		0.8*math.Max(0, f.SpreadTicks-0.5) +
		0.3*f.MACDDiff +
		0.2*rsiTerm +
		0.02*f.PushesPerMin +
		0.15*f.VWAPDiffTicks
	p := 1.0 / (1.0 + math.Exp(-z))
	return math.Min(0.99, math.Max(0.01, p))
}

// LinearModel is a trained logistic model exported as JSON weights.
type LinearModel struct {
	Bias    float64            `json:"bias"`
	Weights map[string]float64 `json:"weights"`
}

// LoadLinearModel reads a weights file produced by the offline trainer.
func LoadLinearModel(path string) (*LinearModel, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", path, err)
	}
	var m LinearModel
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse model %s: %w", path, err)
	}
	return &m, nil
}

// ProbTPFirst implements ProbabilityEstimator. Unknown weight names are
// ignored so models and binaries can evolve independently.
func (m *LinearModel) ProbTPFirst(f GateFeatures) (float64, error) {
	vals := map[string]float64{
		"imbalance":       f.Imbalance,
		"spread_ticks":    f.SpreadTicks,
		"macd_diff":       f.MACDDiff,
		"rsi14":           f.RSI,
		"pushes_per_min":  f.PushesPerMin,
		"vwap_diff_ticks": f.VWAPDiffTicks,
	}
	z := m.Bias
	for name, w := range m.Weights {
		z += w * vals[name]
	}
	p := 1.0 / (1.0 + math.Exp(-z))
	return math.Min(0.99, math.Max(0.01, p)), nil
}
