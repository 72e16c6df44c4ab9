package app_test

import (
	"testing"

	"inventory-ledger/internal/app"
)

func TestTransactionRequestSchema(t *testing.T) {
	schema := app.TransactionRequestSchema()
	if schema.Properties == nil {
		t.Fatal("Expected schema properties to be populated")
	}

	for _, field := range []string{"action", "sku_code", "location", "quantity", "unit_cost", "metadata"} {
		if _, ok := schema.Properties.Get(field); !ok {
			t.Errorf("Expected schema to describe %q", field)
		}
	}

	action, _ := schema.Properties.Get("action")
	if action == nil || len(action.Enum) != 5 {
		t.Errorf("Expected action enum with 5 values, got %+v", action)
	}

	// AdditionalProperties carries the false-schema sentinel when extra keys
	// are rejected; nil means the contract silently accepts unknown fields.
	if schema.AdditionalProperties == nil {
		t.Error("Expected additional properties to be rejected")
	}
}

func TestTransferRequestSchema(t *testing.T) {
	schema := app.TransferRequestSchema()
	for _, field := range []string{"sku_code", "from_location", "to_location", "quantity"} {
		if _, ok := schema.Properties.Get(field); !ok {
			t.Errorf("Expected schema to describe %q", field)
		}
	}
}
