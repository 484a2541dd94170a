package capability

import (
	"context"
	"encoding/json"

	"github.com/BaSui01/capflow/template"
	"github.com/BaSui01/capflow/types"
)

// RenderValues returns the substitution values of one call: request values,
// the request prompt as {{prompt}}, then parameter1..parameter9 on top.
func RenderValues(ctx context.Context, params types.Parameters) map[string]string {
	values := make(map[string]string, len(params)+4)
	if req := types.Request(ctx); req != nil {
		for k, v := range req.Values {
			values[k] = v
		}
		if req.Prompt != "" {
			values["prompt"] = req.Prompt
		}
	}
	for k, v := range params {
		values[k] = v
	}
	return values
}

// Render substitutes the call's values into a setting value.
func Render(ctx context.Context, text string, params types.Parameters) string {
	return template.Substitute(text, RenderValues(ctx, params))
}

// Setting returns the rendered value of a definition setting.
func Setting(ctx context.Context, def *types.Definition, code string, params types.Parameters) string {
	return Render(ctx, def.Content.Value(code), params)
}

// RenderJSON substitutes the call's values into a JSON template. Values are
// escaped for use inside JSON strings, so they cannot change the document's shape.
func RenderJSON(ctx context.Context, text string, params types.Parameters) string {
	values := RenderValues(ctx, params)
	for k, v := range values {
		b, _ := json.Marshal(v)
		values[k] = string(b[1 : len(b)-1])
	}
	return template.Substitute(text, values)
}
