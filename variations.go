package bifrost

import (
	"encoding/json"
	"log/slog"

	"github.com/rafaeljc/bifrost/evalcontext"
	"github.com/rafaeljc/bifrost/evaluation"
)

// BoolVariation evaluates a boolean flag. It returns defaultValue when the
// flag is unknown, the client is not ready, or the flag's value is not a
// boolean.
func (c *Client) BoolVariation(flagKey string, context evalcontext.Context, defaultValue bool) bool {
	value, _ := c.BoolVariationDetail(flagKey, context, defaultValue)
	return value
}

// BoolVariationDetail is BoolVariation plus the evaluation reason. Detail
// calls also attach the reason to the analytics event.
func (c *Client) BoolVariationDetail(flagKey string, context evalcontext.Context, defaultValue bool) (bool, evaluation.Detail) {
	detail := c.evaluateInternal(flagKey, context, defaultValue, true)
	value, ok := detail.Value.(bool)
	if !ok {
		return defaultValue, c.wrongType(flagKey, detail, defaultValue)
	}
	return value, detail
}

// IntVariation evaluates an integer flag. Whole-number float values, which
// is how JSON numbers arrive, are accepted; fractional values are a type
// mismatch.
func (c *Client) IntVariation(flagKey string, context evalcontext.Context, defaultValue int) int {
	value, _ := c.IntVariationDetail(flagKey, context, defaultValue)
	return value
}

// IntVariationDetail is IntVariation plus the evaluation reason.
func (c *Client) IntVariationDetail(flagKey string, context evalcontext.Context, defaultValue int) (int, evaluation.Detail) {
	detail := c.evaluateInternal(flagKey, context, defaultValue, true)
	switch v := detail.Value.(type) {
	case int:
		return v, detail
	case float64:
		if v == float64(int(v)) {
			return int(v), detail
		}
	}
	return defaultValue, c.wrongType(flagKey, detail, defaultValue)
}

// Float64Variation evaluates a numeric flag.
func (c *Client) Float64Variation(flagKey string, context evalcontext.Context, defaultValue float64) float64 {
	value, _ := c.Float64VariationDetail(flagKey, context, defaultValue)
	return value
}

// Float64VariationDetail is Float64Variation plus the evaluation reason.
func (c *Client) Float64VariationDetail(flagKey string, context evalcontext.Context, defaultValue float64) (float64, evaluation.Detail) {
	detail := c.evaluateInternal(flagKey, context, defaultValue, true)
	switch v := detail.Value.(type) {
	case float64:
		return v, detail
	case int:
		return float64(v), detail
	}
	return defaultValue, c.wrongType(flagKey, detail, defaultValue)
}

// StringVariation evaluates a string flag.
func (c *Client) StringVariation(flagKey string, context evalcontext.Context, defaultValue string) string {
	value, _ := c.StringVariationDetail(flagKey, context, defaultValue)
	return value
}

// StringVariationDetail is StringVariation plus the evaluation reason.
func (c *Client) StringVariationDetail(flagKey string, context evalcontext.Context, defaultValue string) (string, evaluation.Detail) {
	detail := c.evaluateInternal(flagKey, context, defaultValue, true)
	value, ok := detail.Value.(string)
	if !ok {
		return defaultValue, c.wrongType(flagKey, detail, defaultValue)
	}
	return value, detail
}

// JSONVariation evaluates a flag of any value shape, returning the raw JSON
// encoding. It is the escape hatch for flags whose variations are objects or
// arrays.
func (c *Client) JSONVariation(flagKey string, context evalcontext.Context, defaultValue json.RawMessage) json.RawMessage {
	value, _ := c.JSONVariationDetail(flagKey, context, defaultValue)
	return value
}

// JSONVariationDetail is JSONVariation plus the evaluation reason.
func (c *Client) JSONVariationDetail(flagKey string, context evalcontext.Context, defaultValue json.RawMessage) (json.RawMessage, evaluation.Detail) {
	detail := c.evaluateInternal(flagKey, context, defaultValue, true)
	if raw, ok := detail.Value.(json.RawMessage); ok {
		return raw, detail
	}
	encoded, err := json.Marshal(detail.Value)
	if err != nil {
		return defaultValue, c.wrongType(flagKey, detail, defaultValue)
	}
	detail.Value = json.RawMessage(encoded)
	return json.RawMessage(encoded), detail
}

// wrongType converts a successfully evaluated but mistyped result into a
// WRONG_TYPE error detail. Errors that already happened pass through
// unchanged so CLIENT_NOT_READY does not get masked.
func (c *Client) wrongType(flagKey string, detail evaluation.Detail, defaultValue any) evaluation.Detail {
	if detail.Reason.Kind() == evaluation.ReasonError {
		detail.Value = defaultValue
		return detail
	}
	c.logger.Warn("flag value did not match the requested type; returning default value",
		slog.String("flag_key", flagKey))
	return evaluation.NewErrorDetail(evaluation.ErrWrongType, defaultValue)
}
