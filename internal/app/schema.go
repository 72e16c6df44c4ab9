package app

import "github.com/invopop/jsonschema"

// The request layer owns payload validation (the engine assumes validated
// input), so the contract is published as JSON Schema generated from the
// request structs rather than duplicated by hand.

// TransactionRequestSchema returns the JSON Schema of TransactionRequest.
func TransactionRequestSchema() *jsonschema.Schema {
	return reflectSchema(&TransactionRequest{})
}

// TransferRequestSchema returns the JSON Schema of TransferRequest.
func TransferRequestSchema() *jsonschema.Schema {
	return reflectSchema(&TransferRequest{})
}

func reflectSchema(v any) *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	return reflector.Reflect(v)
}
