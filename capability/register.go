package capability

import (
	"context"
	"strings"

	"github.com/BaSui01/capflow/types"
)

// ParameterInvoker runs a definition with packed parameters. *Invoker implements it.
type ParameterInvoker interface {
	InvokeParameters(ctx context.Context, def *types.Definition, params types.Parameters) (string, error)
}

// NewFunction builds the callable view of def without registering it.
// Missing descriptions leave the corresponding metadata empty.
func NewFunction(def *types.Definition, invoker ParameterInvoker) (*Function, error) {
	if def == nil || strings.TrimSpace(def.Name) == "" {
		return nil, types.NewConfigError("name", "capability definition has no name")
	}

	fn := &Function{
		Name:              def.Name,
		Description:       def.Description,
		Parameters:        parameterInfos(def.Content.Value(types.SettingParameterDescriptions)),
		OutputDescription: strings.TrimSpace(def.Content.Value(types.SettingOutputDescription)),
		Instructions:      strings.TrimSpace(def.Content.Value(types.SettingPlannerInstructions)),
		Kind:              def.Kind,
	}
	if invoker != nil {
		fn.call = func(ctx context.Context, params types.Parameters) (string, error) {
			return invoker.InvokeParameters(ctx, def, params)
		}
	}
	return fn, nil
}

// Register exposes def as a function in catalog. The function forwards its packed
// parameters to invoker. Only an unnamed definition is rejected.
func Register(def *types.Definition, catalog *Catalog, invoker ParameterInvoker) error {
	fn, err := NewFunction(def, invoker)
	if err != nil {
		return err
	}
	catalog.Add(fn)
	return nil
}
