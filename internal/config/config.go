package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ktsuji/scalpd/exec"
	"github.com/ktsuji/scalpd/risk"
	"github.com/ktsuji/scalpd/spoof"
	"github.com/ktsuji/scalpd/strategy"
)

// Config holds all configuration for the assistant. Every knob is a named
// environment variable; invalid values fall back to the defaults, missing
// required values and impossible combinations fail Load.
type Config struct {
	// Instrument
	Symbol   string
	TickSize decimal.Decimal

	// Mode
	LiveEnabled bool
	Debug       bool

	// Market feed
	FeedURL string

	// Components
	Rule   strategy.RuleConfig
	Gate   strategy.GateConfig
	Policy strategy.PolicyConfig
	Risk   risk.Config
	Spoof  spoof.Config
	Exec   exec.Config
	Broker exec.KabuBrokerConfig

	// Telegram
	TelegramToken  string
	TelegramChatID int64

	// Database
	DatabasePath string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	tick := getEnvDecimal("TICK_SIZE", decimal.NewFromFloat(0.5))

	rule := strategy.DefaultRuleConfig()
	rule.TickSize = tick
	rule.SpreadTicksMax = getEnvInt("SPREAD_TICKS_MAX", rule.SpreadTicksMax)
	rule.ImbalanceTh = getEnvDecimal("IMBALANCE_TH", rule.ImbalanceTh)
	rule.PushesPerMinMin = getEnvInt("PUSHES_PER_MIN_MIN", rule.PushesPerMinMin)
	rule.UseVWAPFilter = getEnvBool("USE_VWAP_FILTER", rule.UseVWAPFilter)
	rule.UseSMA25Filter = getEnvBool("USE_SMA25_FILTER", rule.UseSMA25Filter)
	rule.UseMACDFilter = getEnvBool("USE_MACD_FILTER", rule.UseMACDFilter)
	rule.UseRSIFilter = getEnvBool("USE_RSI_FILTER", rule.UseRSIFilter)
	rule.UseRecentReturnFilter = getEnvBool("USE_RECENT_RETURN_FILTER", rule.UseRecentReturnFilter)
	rule.RecentReturnWindow = getEnvDuration("RECENT_RETURN_WINDOW", rule.RecentReturnWindow)
	rule.RecentReturnAbsMax = getEnvDecimal("RECENT_RETURN_ABS_MAX", rule.RecentReturnAbsMax)
	rule.DefaultQty = getEnvDecimal("DEFAULT_QTY", rule.DefaultQty)
	if getEnv("ENTRY_TYPE", string(rule.EntryType)) == string(strategy.EntryMarket) {
		rule.EntryType = strategy.EntryMarket
	}
	rule.TPTicks = getEnvInt("TP_TICKS", rule.TPTicks)
	rule.SLTicks = getEnvInt("SL_TICKS", rule.SLTicks)
	rule.TrailEnabled = getEnvBool("TRAIL_ENABLED", rule.TrailEnabled)
	rule.TrailTrigger = getEnvInt("TRAIL_TRIGGER", rule.TrailTrigger)
	rule.TrailGap = getEnvInt("TRAIL_GAP", rule.TrailGap)

	gate := strategy.DefaultGateConfig()
	gate.Enabled = getEnvBool("ML_ENABLED", gate.Enabled)
	gate.MinProb = getEnvFloat("ML_MIN_PROB", gate.MinProb)
	gate.MinEVTicks = getEnvFloat("ML_MIN_EV_TICKS", gate.MinEVTicks)
	gate.CostTicks = getEnvFloat("ML_COST_TICKS", gate.CostTicks)
	gate.ModelPath = getEnv("ML_MODEL_PATH", "")

	policy := strategy.DefaultPolicyConfig()
	policy.LoopInterval = getEnvDuration("POLICY_INTERVAL", policy.LoopInterval)

	rk := risk.DefaultConfig()
	rk.MaxPosQty = getEnvDecimal("RISK_MAX_POS_QTY", rk.MaxPosQty)
	rk.MaxConsecLosses = getEnvInt("RISK_MAX_CONSEC_LOSSES", rk.MaxConsecLosses)
	rk.Cooldown = getEnvDuration("RISK_COOLDOWN", rk.Cooldown)
	rk.EnforceMarketHours = getEnvBool("RISK_ENFORCE_MARKET_HOURS", rk.EnforceMarketHours)

	sp := spoof.DefaultConfig()
	sp.Enabled = getEnvBool("SPOOF_ENABLED", sp.Enabled)
	sp.WindowMS = getEnvInt("SPOOF_WINDOW_MS", sp.WindowMS)
	sp.BufferPoints = getEnvInt("SPOOF_BUFFER_POINTS", sp.BufferPoints)
	sp.KBig = getEnvFloat("SPOOF_K_BIG", sp.KBig)
	sp.MinLifespanMS = getEnvInt("SPOOF_MIN_LIFESPAN_MS", sp.MinLifespanMS)
	sp.FlashMaxMS = getEnvInt("SPOOF_FLASH_MAX_MS", sp.FlashMaxMS)
	sp.LayerLevels = getEnvInt("SPOOF_LAYER_LEVELS", sp.LayerLevels)
	sp.LayerNeed = getEnvInt("SPOOF_LAYER_NEED", sp.LayerNeed)
	sp.LayerDropMS = getEnvInt("SPOOF_LAYER_DROP_MS", sp.LayerDropMS)
	sp.WalkWindowMS = getEnvInt("SPOOF_WALK_WINDOW_MS", sp.WalkWindowMS)
	sp.WalkStepsNeed = getEnvInt("SPOOF_WALK_STEPS_NEED", sp.WalkStepsNeed)
	sp.ScoreThreshold = getEnvFloat("SPOOF_SCORE_THRESHOLD", sp.ScoreThreshold)
	sp.SuppressWeight = getEnvFloat("SPOOF_SUPPRESS_WEIGHT", sp.SuppressWeight)

	ex := exec.DefaultConfig()
	ex.TickSize = tick
	ex.Symbol = getEnv("SYMBOL", "7203")
	ex.SlippageTicksEntry = getEnvDecimal("SLIPPAGE_TICKS_ENTRY", ex.SlippageTicksEntry)
	ex.SlippageTicksExit = getEnvDecimal("SLIPPAGE_TICKS_EXIT", ex.SlippageTicksExit)

	broker := exec.DefaultKabuBrokerConfig()
	broker.APIPassword = os.Getenv("KABU_API_PASSWORD")
	broker.Production = getEnvBool("KABU_PRODUCTION", false)

	cfg := &Config{
		Symbol:       ex.Symbol,
		TickSize:     tick,
		LiveEnabled:  getEnvBool("LIVE_ENABLED", false),
		Debug:        getEnvBool("DEBUG", false),
		FeedURL:      getEnv("FEED_URL", "ws://localhost:18080/kabusapi/websocket"),
		Rule:         rule,
		Gate:         gate,
		Policy:       policy,
		Risk:         rk,
		Spoof:        sp,
		Exec:         ex,
		Broker:       broker,
		DatabasePath: getEnv("DATABASE_PATH", "data/scalpd.db"),
	}

	cfg.TelegramToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	// The only fatal conditions live here: a broken tick size poisons every
	// price-to-ticks conversion, and live trading needs credentials.
	if !cfg.TickSize.IsPositive() {
		return nil, fmt.Errorf("TICK_SIZE must be positive, got %s", cfg.TickSize)
	}
	if cfg.LiveEnabled && cfg.Broker.APIPassword == "" {
		return nil, fmt.Errorf("KABU_API_PASSWORD is required when LIVE_ENABLED=true")
	}
	if cfg.Rule.TPTicks < 1 || cfg.Rule.SLTicks < 1 {
		return nil, fmt.Errorf("TP_TICKS and SL_TICKS must be >= 1")
	}

	return cfg, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
