package capability

import (
	"context"
	"strings"

	"github.com/BaSui01/capflow/types"
)

// ParameterInfo describes one positional slot of a Function.
type ParameterInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Function is a capability exposed as a callable with nine optional string parameters.
type Function struct {
	Name              string                             `json:"name"`
	Description       string                             `json:"description,omitempty"`
	Parameters        [types.MaxParameters]ParameterInfo `json:"parameters"`
	OutputDescription string                             `json:"output_description,omitempty"`
	Instructions      string                             `json:"instructions,omitempty"`
	Kind              types.Kind                         `json:"kind"`

	call func(ctx context.Context, params types.Parameters) (string, error)
}

// Call packs args into parameter1..parameter9 and runs the capability.
// Missing args default to "", args beyond the ninth are dropped.
func (f *Function) Call(ctx context.Context, args ...string) (string, error) {
	return f.CallParameters(ctx, types.PackPositional(args...))
}

// CallParameters runs the capability with an already packed parameter map.
func (f *Function) CallParameters(ctx context.Context, params types.Parameters) (string, error) {
	if f.call == nil {
		return "", types.NewError(types.ErrInternal, "function "+f.Name+" is not bound")
	}
	return f.call(ctx, params)
}

// DescribedParameters returns the slots that carry a description.
func (f *Function) DescribedParameters() []ParameterInfo {
	var out []ParameterInfo
	for _, p := range f.Parameters {
		if p.Description != "" {
			out = append(out, p)
		}
	}
	return out
}

// parameterInfos maps a comma-separated description list 1:1 onto the slots.
func parameterInfos(descriptions string) [types.MaxParameters]ParameterInfo {
	var infos [types.MaxParameters]ParameterInfo
	parts := strings.Split(descriptions, ",")
	for i := range infos {
		infos[i].Name = types.ParameterName(i + 1)
		if strings.TrimSpace(descriptions) != "" && i < len(parts) {
			infos[i].Description = strings.TrimSpace(parts[i])
		}
	}
	return infos
}
