package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"hive-trading-bot/internal/agents"
	"hive-trading-bot/internal/cache"
	"hive-trading-bot/internal/database"
	"hive-trading-bot/internal/ledger"
	"hive-trading-bot/internal/market"
)

// ConfirmToolName is the distinguished confirmation tool. It is the
// only tool allowed as the terminal step of a plan without executing.
const ConfirmToolName = "confirm_action_with_user"

// ConfigStore is the configuration persistence surface the tools need.
type ConfigStore interface {
	GetConfiguration(ctx context.Context, accountID string) (*database.Configuration, error)
	UpdateStrategyConfig(ctx context.Context, accountID string, strategyConfig json.RawMessage) error
}

// Deps wires the built-in tools to the rest of the system.
type Deps struct {
	Ledger *ledger.Service
	Cache  *cache.CacheService
	Market market.PriceSource
	Config ConfigStore
	Agents *agents.Registry
}

// RegisterBuiltins installs the standard tool set into the registry.
func RegisterBuiltins(r *Registry, deps Deps) {
	r.Register(getMarketRegimeTool(deps))
	r.Register(getPortfolioStatusTool(deps))
	r.Register(analyzeSymbolTool(deps))
	r.Register(proposeRiskAdjustmentTool(deps))
	r.Register(updatePositionRiskTool(deps))
	r.Register(setRiskAppetiteTool(deps))
	r.Register(modifyStrategyParameterTool(deps))
	r.Register(confirmActionTool())
}

func getMarketRegimeTool(deps Deps) *Tool {
	return &Tool{
		Name:        "get_market_regime",
		Description: "Returns the current shared market regime classification.",
		Permission:  PermissionReadOnly,
		Execute: func(ctx context.Context, accountID string, params map[string]interface{}) (interface{}, error) {
			regime, err := deps.Cache.Get(ctx, cache.MarketRegimeKey())
			if err != nil {
				if err == redis.Nil {
					return map[string]string{"regime": agents.RegimeDefault}, nil
				}
				return map[string]string{"regime": agents.RegimeDefault}, nil
			}
			return map[string]string{"regime": regime}, nil
		},
	}
}

func getPortfolioStatusTool(deps Deps) *Tool {
	return &Tool{
		Name:        "get_portfolio_status",
		Description: "Returns the account's balance and open positions.",
		Permission:  PermissionReadOnly,
		Execute: func(ctx context.Context, accountID string, params map[string]interface{}) (interface{}, error) {
			return deps.Ledger.GetPortfolio(ctx, accountID, database.ModeMain)
		},
	}
}

func analyzeSymbolTool(deps Deps) *Tool {
	return &Tool{
		Name:        "analyze_symbol",
		Description: "Runs technical analysis on one symbol and returns a signal.",
		Permission:  PermissionReadOnly,
		Params: []ParamSpec{
			{Name: "symbol", Type: TypeString, Required: true, Description: "Trading pair, e.g. BTCUSDT"},
		},
		Execute: func(ctx context.Context, accountID string, params map[string]interface{}) (interface{}, error) {
			symbol := params["symbol"].(string)

			klines, err := deps.Market.Klines(ctx, symbol, "1h", 50)
			if err != nil {
				return nil, fmt.Errorf("failed to fetch candles for %s: %w", symbol, err)
			}

			signals, err := deps.Agents.Technical.AnalyzeBatch(ctx, map[string][]market.Kline{symbol: klines})
			if err != nil {
				return nil, err
			}
			if len(signals) == 0 {
				return nil, fmt.Errorf("no signal produced for %s", symbol)
			}
			return signals[0], nil
		},
	}
}

func proposeRiskAdjustmentTool(deps Deps) *Tool {
	return &Tool{
		Name:        "propose_risk_adjustment",
		Description: "Proposes updated stop-loss/take-profit levels for an open position based on the current price. Does not change anything.",
		Permission:  PermissionReadOnly,
		Params: []ParamSpec{
			{Name: "symbol", Type: TypeString, Required: true},
		},
		Execute: func(ctx context.Context, accountID string, params map[string]interface{}) (interface{}, error) {
			symbol := params["symbol"].(string)

			portfolio, err := deps.Ledger.GetPortfolio(ctx, accountID, database.ModeMain)
			if err != nil {
				return nil, err
			}
			var pos *database.Position
			for i := range portfolio.Positions {
				if portfolio.Positions[i].Symbol == symbol {
					pos = &portfolio.Positions[i]
					break
				}
			}
			if pos == nil {
				return nil, fmt.Errorf("no open position for %s", symbol)
			}

			price, err := deps.Market.CurrentPrice(ctx, symbol)
			if err != nil {
				return nil, err
			}

			// Trail the stop behind the current price and keep the
			// target a fixed ratio ahead of it.
			proposal := map[string]interface{}{
				"symbol":       symbol,
				"currentPrice": price,
				"entryPrice":   pos.EntryPrice,
				"stopLoss":     price * 0.95,
				"takeProfit":   price * 1.10,
			}
			return proposal, nil
		},
	}
}

func updatePositionRiskTool(deps Deps) *Tool {
	return &Tool{
		Name:        "update_position_risk",
		Description: "Updates stop-loss and/or take-profit on an open position.",
		Permission:  PermissionStateChange,
		Params: []ParamSpec{
			{Name: "symbol", Type: TypeString, Required: true},
			{Name: "stop_loss", Type: TypeNumber},
			{Name: "take_profit", Type: TypeNumber},
		},
		Execute: func(ctx context.Context, accountID string, params map[string]interface{}) (interface{}, error) {
			symbol := params["symbol"].(string)

			var update ledger.PositionUpdate
			if v, ok := toFloat(params["stop_loss"]); ok {
				update.StopLoss = &v
			}
			if v, ok := toFloat(params["take_profit"]); ok {
				update.TakeProfit = &v
			}
			if update.StopLoss == nil && update.TakeProfit == nil {
				return nil, fmt.Errorf("nothing to update for %s", symbol)
			}

			if err := deps.Ledger.UpdatePosition(ctx, accountID, database.ModeMain, symbol, update); err != nil {
				return nil, err
			}
			return map[string]string{"status": "updated", "symbol": symbol}, nil
		},
	}
}

func setRiskAppetiteTool(deps Deps) *Tool {
	return &Tool{
		Name:        "set_risk_appetite",
		Description: "Sets the account's risk appetite selector.",
		Permission:  PermissionStateChange,
		Params: []ParamSpec{
			{Name: "appetite", Type: TypeString, Required: true,
				Enum: []string{"conservative", "balanced", "aggressive"}},
		},
		Execute: func(ctx context.Context, accountID string, params map[string]interface{}) (interface{}, error) {
			appetite := params["appetite"].(string)

			if err := patchStrategyConfig(ctx, deps, accountID, "riskAppetite", appetite); err != nil {
				return nil, err
			}
			return map[string]string{"status": "updated", "riskAppetite": appetite}, nil
		},
	}
}

// Hard safety bounds for strategy parameters mutable via chat. Values
// are percentages.
var strategyParamBounds = map[string]struct{ min, max float64 }{
	"capitalPerTradePct": {0, 10},
	"stopLossPct":        {0, 20},
}

func modifyStrategyParameterTool(deps Deps) *Tool {
	return &Tool{
		Name:        "modify_strategy_parameter",
		Description: "Changes one bounded strategy parameter in the account configuration.",
		Permission:  PermissionStateChange,
		Params: []ParamSpec{
			{Name: "parameter", Type: TypeString, Required: true,
				Enum: []string{"capitalPerTradePct", "stopLossPct"}},
			{Name: "value", Type: TypeNumber, Required: true},
		},
		Execute: func(ctx context.Context, accountID string, params map[string]interface{}) (interface{}, error) {
			parameter := params["parameter"].(string)
			value, _ := toFloat(params["value"])

			bounds := strategyParamBounds[parameter]
			if value <= bounds.min || value > bounds.max {
				return nil, &ValidationError{
					Tool:  "modify_strategy_parameter",
					Param: "value",
					Detail: fmt.Sprintf("%s must be in (%g, %g], got %g",
						parameter, bounds.min, bounds.max, value),
				}
			}

			if err := patchStrategyConfig(ctx, deps, accountID, parameter, value); err != nil {
				return nil, err
			}
			return map[string]interface{}{"status": "updated", "parameter": parameter, "value": value}, nil
		},
	}
}

func confirmActionTool() *Tool {
	return &Tool{
		Name:        ConfirmToolName,
		Description: "Pauses the plan and asks the user to confirm the pending state-changing steps. Must be the final step when used.",
		Permission:  PermissionConfirmation,
		Params: []ParamSpec{
			{Name: "message", Type: TypeString, Required: true,
				Description: "The confirmation question shown to the user"},
		},
		Execute: func(ctx context.Context, accountID string, params map[string]interface{}) (interface{}, error) {
			// Never executed as a real step; the orchestrator
			// intercepts it and pauses the plan instead.
			return map[string]string{"message": params["message"].(string)}, nil
		},
	}
}

// patchStrategyConfig sets one top-level key in the account's strategy
// configuration document, invalidating the config cache.
func patchStrategyConfig(ctx context.Context, deps Deps, accountID, key string, value interface{}) error {
	cfg, err := deps.Config.GetConfiguration(ctx, accountID)
	if err != nil {
		return err
	}
	if cfg == nil {
		return fmt.Errorf("no configuration for account %s", accountID)
	}

	doc := make(map[string]interface{})
	if len(cfg.StrategyConfig) > 0 {
		if err := json.Unmarshal(cfg.StrategyConfig, &doc); err != nil {
			return fmt.Errorf("corrupt strategy config for %s: %w", accountID, err)
		}
	}
	doc[key] = value

	updated, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	if err := deps.Config.UpdateStrategyConfig(ctx, accountID, updated); err != nil {
		return err
	}

	if deps.Cache != nil {
		_ = deps.Cache.Delete(ctx, cache.AccountConfigKey(accountID))
	}
	return nil
}
