package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"grid-martingale/internal/config"
	"grid-martingale/internal/exchange/binance"
)

// venuecheck is a one-shot probe: it validates credentials against the
// venue, prints the symbol filters and the current position and open
// orders, and exits. Run it before pointing the engine at a new account.
func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal("config: %v", err)
	}
	if cfg.Mode == config.ModeTestnet && cfg.Exchange.RestBaseURL == "" {
		cfg.Exchange.RestBaseURL = "https://testnet.binancefuture.com"
	}

	client, err := binance.NewClient(cfg.Exchange, cfg.Symbol, cfg.InstanceID)
	if err != nil {
		fatal("client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rules, err := client.Rules(ctx)
	if err != nil {
		fatal("exchange info: %v", err)
	}
	fmt.Printf("symbol=%s tick=%s step=%s min_qty=%s min_notional=%s\n",
		cfg.Symbol, rules.PriceTick, rules.QtyStep, rules.MinQty, rules.MinNotional)

	quote := "USDT"
	for _, q := range []string{"USDT", "USDC", "BUSD", "USD"} {
		if strings.HasSuffix(cfg.Symbol, q) {
			quote = q
			break
		}
	}
	balance, err := client.Balance(ctx, quote)
	if err != nil {
		fatal("balance: %v", err)
	}
	fmt.Printf("wallet_balance=%s %s\n", balance, quote)

	pos, err := client.Position(ctx)
	if err != nil {
		fatal("position: %v", err)
	}
	if pos.Flat() {
		fmt.Println("position=flat")
	} else {
		fmt.Printf("position=%s qty=%s avg=%s upnl=%s\n", pos.Side, pos.Qty, pos.AvgPrice, pos.UnrealizedPnL)
	}

	open, err := client.OpenOrders(ctx)
	if err != nil {
		fatal("open orders: %v", err)
	}
	fmt.Printf("open_orders=%d\n", len(open))
	for _, o := range open {
		fmt.Printf("  id=%s side=%s type=%s price=%s stop=%s qty=%s reduce_only=%v close_position=%v\n",
			o.ID, o.Side, o.Type, o.Price, o.StopPrice, o.Qty, o.ReduceOnly, o.ClosePosition)
	}
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
