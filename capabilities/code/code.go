package code

import (
	"context"

	"github.com/BaSui01/capflow/capability"
	"github.com/BaSui01/capflow/script/env"
	"github.com/BaSui01/capflow/types"
	"go.uber.org/zap"
)

// Setting codes read by the code kind.
const (
	SettingCode      = "Code"
	SettingEntryType = "EntryType"
)

// Runner compiles and runs dynamic code. *script.Runner implements it.
type Runner interface {
	Run(ctx context.Context, code, entryType string, inv env.Invocation) (string, error)
}

// Handler implements capability.Handler for the code kind.
type Handler struct {
	runner  Runner
	invoker *capability.Invoker
	logger  *zap.Logger
}

// New creates the code handler. Code calls back into other capabilities
// through invoker.
func New(runner Runner, invoker *capability.Invoker, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		runner:  runner,
		invoker: invoker,
		logger:  logger.With(zap.String("component", "code_capability")),
	}
}

// DoCall runs the definition's code with the call's parameters.
// Compilation, dependency and user code failures are returned unchanged.
func (h *Handler) DoCall(ctx context.Context, def *types.Definition, params types.Parameters) (string, error) {
	src, err := def.Content.Require(SettingCode)
	if err != nil {
		return "", err
	}
	ctx, resp := types.EnsureResponse(ctx)

	inv := env.Invocation{
		Parameters: params,
		Request:    types.Request(ctx),
		Response:   resp,
	}
	if h.invoker != nil {
		inv.Invoke = h.invoker.InvokeByName
	}

	out, err := h.runner.Run(ctx, src, def.Content.Value(SettingEntryType), inv)
	if err != nil {
		h.logger.Error("code capability failed",
			zap.String("capability", def.Name),
			zap.String("code", string(types.GetErrorCode(err))),
			zap.Error(err),
		)
		return "", err
	}
	return out, nil
}
