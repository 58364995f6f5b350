package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"hive-trading-bot/internal/database"
)

// ============================================================================
// Schema validation
// ============================================================================

func sampleTool() *Tool {
	min, max := 0.0, 100.0
	return &Tool{
		Name:       "sample",
		Permission: PermissionReadOnly,
		Params: []ParamSpec{
			{Name: "symbol", Type: TypeString, Required: true},
			{Name: "side", Type: TypeString, Enum: []string{"LONG", "SHORT"}},
			{Name: "amount", Type: TypeNumber, Min: &min, Max: &max},
			{Name: "dry_run", Type: TypeBoolean},
		},
	}
}

func TestValidateAcceptsWellFormedParams(t *testing.T) {
	tool := sampleTool()
	err := tool.Validate(map[string]interface{}{
		"symbol":  "BTCUSDT",
		"side":    "LONG",
		"amount":  42.0,
		"dry_run": true,
	})
	if err != nil {
		t.Fatalf("expected valid params, got %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	tool := sampleTool()

	cases := []struct {
		name   string
		params map[string]interface{}
	}{
		{"missing required", map[string]interface{}{"amount": 1.0}},
		{"unknown parameter", map[string]interface{}{"symbol": "BTCUSDT", "bogus": 1}},
		{"wrong type", map[string]interface{}{"symbol": 42}},
		{"enum violation", map[string]interface{}{"symbol": "BTCUSDT", "side": "DIAGONAL"}},
		{"below min", map[string]interface{}{"symbol": "BTCUSDT", "amount": -1.0}},
		{"above max", map[string]interface{}{"symbol": "BTCUSDT", "amount": 101.0}},
		{"bool type", map[string]interface{}{"symbol": "BTCUSDT", "dry_run": "yes"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tool.Validate(tc.params)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Tool != "sample" {
				t.Errorf("validation error must name the tool, got %q", verr.Tool)
			}
		})
	}
}

// ============================================================================
// Registry
// ============================================================================

func TestRegistryUnknownTool(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("does_not_exist")
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
}

func TestRegistryDescriptorsSorted(t *testing.T) {
	r := NewRegistry()
	r.Register(&Tool{Name: "zeta", Permission: PermissionReadOnly})
	r.Register(&Tool{Name: "alpha", Permission: PermissionReadOnly})

	descs := r.Descriptors()
	if len(descs) != 2 || descs[0].Name != "alpha" || descs[1].Name != "zeta" {
		t.Fatalf("expected sorted descriptors, got %+v", descs)
	}
}

// ============================================================================
// Strategy parameter bounds
// ============================================================================

type mockConfigStore struct {
	config  *database.Configuration
	updated json.RawMessage
}

func (m *mockConfigStore) GetConfiguration(ctx context.Context, accountID string) (*database.Configuration, error) {
	return m.config, nil
}

func (m *mockConfigStore) UpdateStrategyConfig(ctx context.Context, accountID string, strategyConfig json.RawMessage) error {
	m.updated = strategyConfig
	return nil
}

func TestModifyStrategyParameterBounds(t *testing.T) {
	store := &mockConfigStore{config: &database.Configuration{
		AccountID:      "acct-1",
		StrategyConfig: json.RawMessage(`{"capitalPerTradePct": 2}`),
	}}
	tool := modifyStrategyParameterTool(Deps{Config: store})
	ctx := context.Background()

	// Out of bounds: capital per trade capped at 10%
	_, err := tool.Execute(ctx, "acct-1", map[string]interface{}{
		"parameter": "capitalPerTradePct",
		"value":     15.0,
	})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for out-of-bounds value, got %v", err)
	}
	if store.updated != nil {
		t.Fatal("rejected value must not reach the config store")
	}

	// Zero is excluded
	if _, err := tool.Execute(ctx, "acct-1", map[string]interface{}{
		"parameter": "stopLossPct",
		"value":     0.0,
	}); err == nil {
		t.Fatal("expected rejection of zero value")
	}

	// In bounds
	if _, err := tool.Execute(ctx, "acct-1", map[string]interface{}{
		"parameter": "stopLossPct",
		"value":     5.0,
	}); err != nil {
		t.Fatalf("expected in-bounds value accepted, got %v", err)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(store.updated, &doc); err != nil {
		t.Fatalf("stored config not valid JSON: %v", err)
	}
	if doc["stopLossPct"] != 5.0 {
		t.Errorf("expected stopLossPct=5 persisted, got %v", doc["stopLossPct"])
	}
	if doc["capitalPerTradePct"] != 2.0 {
		t.Errorf("existing keys must survive the patch, got %v", doc["capitalPerTradePct"])
	}
}
