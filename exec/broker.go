package exec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ktsuji/scalpd/market"
	"github.com/ktsuji/scalpd/strategy"
)

// ═══════════════════════════════════════════════════════════════════════════════
// KABU BROKER - REST order client for the kabu station API
// ═══════════════════════════════════════════════════════════════════════════════
//
// Implements Broker against the local kabu station gateway. Token auth, then
// one POST per order. Production listens on 18080, the paper endpoint on
// 18081.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	kabuProductionURL = "http://localhost:18080/kabusapi"
	kabuPaperURL      = "http://localhost:18081/kabusapi"

	frontOrderLimit  = 20
	frontOrderMarket = 10
)

// KabuBrokerConfig configures the live order path.
type KabuBrokerConfig struct {
	APIPassword     string
	Production      bool
	Exchange        int // 1 = TSE
	AccountType     int // 4 = specific
	CashMargin      int // 2 = margin
	MarginTradeType int // 3 = day-trade margin
}

// DefaultKabuBrokerConfig returns the day-trade margin defaults.
func DefaultKabuBrokerConfig() KabuBrokerConfig {
	return KabuBrokerConfig{
		Exchange:        1,
		AccountType:     4,
		CashMargin:      2,
		MarginTradeType: 3,
	}
}

// KabuBroker is the live Broker implementation.
type KabuBroker struct {
	cfg        KabuBrokerConfig
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewKabuBroker creates a broker client. Call Authenticate before use.
func NewKabuBroker(cfg KabuBrokerConfig) *KabuBroker {
	base := kabuPaperURL
	if cfg.Production {
		base = kabuProductionURL
	}
	return &KabuBroker{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// Authenticate obtains an API token from the gateway.
func (b *KabuBroker) Authenticate() error {
	body, err := json.Marshal(map[string]string{"APIPassword": b.cfg.APIPassword})
	if err != nil {
		return err
	}
	resp, err := b.httpClient.Post(b.baseURL+"/token", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token request: status %d: %s", resp.StatusCode, raw)
	}
	var out struct {
		Token string `json:"Token"`
	}
	if err := json.Unmarshal(raw, &out); err != nil || out.Token == "" {
		return fmt.Errorf("token response malformed: %s", raw)
	}
	b.token = out.Token
	log.Info().Bool("production", b.cfg.Production).Msg("🔑 Broker authenticated")
	return nil
}

// SubmitEntry places the entry leg. LIMIT carries the price, MARKET does not.
func (b *KabuBroker) SubmitEntry(symbol string, side market.Side, qty decimal.Decimal, price decimal.Decimal, entryType strategy.EntryType) error {
	front := frontOrderMarket
	var px *float64
	if entryType == strategy.EntryLimit && price.IsPositive() {
		front = frontOrderLimit
		v := price.InexactFloat64()
		px = &v
	}
	return b.sendOrder(symbol, side, qty, px, front)
}

// SubmitExit closes a leg with an opposite market order.
func (b *KabuBroker) SubmitExit(symbol string, side market.Side, qty decimal.Decimal) error {
	return b.sendOrder(symbol, side, qty, nil, frontOrderMarket)
}

func (b *KabuBroker) sendOrder(symbol string, side market.Side, qty decimal.Decimal, price *float64, frontOrderType int) error {
	if b.token == "" {
		return fmt.Errorf("broker not authenticated")
	}

	// kabu station encodes sell=1, buy=2.
	apiSide := "2"
	if side == market.Sell {
		apiSide = "1"
	}
	payload := map[string]any{
		"Symbol":          symbol,
		"Exchange":        b.cfg.Exchange,
		"SecurityType":    1,
		"Side":            apiSide,
		"CashMargin":      b.cfg.CashMargin,
		"MarginTradeType": b.cfg.MarginTradeType,
		"DelivType":       0,
		"AccountType":     b.cfg.AccountType,
		"Qty":             qty.IntPart(),
		"FrontOrderType":  frontOrderType,
		"ExpireDay":       0,
	}
	if price != nil {
		payload["Price"] = *price
	} else {
		payload["Price"] = 0
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, b.baseURL+"/sendorder", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", b.token)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send order: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("send order: status %d: %s", resp.StatusCode, raw)
	}
	var out struct {
		Result  int    `json:"Result"`
		OrderID string `json:"OrderId"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("order response malformed: %s", raw)
	}
	if out.Result != 0 {
		return fmt.Errorf("order rejected: result=%d body=%s", out.Result, raw)
	}
	log.Info().Str("order_id", out.OrderID).Str("side", string(side)).Msg("📨 Order accepted")
	return nil
}
