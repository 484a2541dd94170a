// Package env is the API user code sees while it runs.
//
// Quick-mode snippets receive a *Env built here. Durable units receive a
// generated copy with the same fields and methods, so code written against
// one mode runs unchanged in the other.
package env

import (
	"context"

	"github.com/BaSui01/capflow/types"
)

// InvokeFunc calls another registered capability by name.
type InvokeFunc func(ctx context.Context, name string, params types.Parameters) (string, error)

// Invocation is everything one run of user code is bound to.
type Invocation struct {
	Parameters types.Parameters
	Request    *types.RequestContext
	Response   *types.ResponseContext
	Invoke     InvokeFunc
}

// Request is the read-only request data.
type Request struct {
	Prompt string
	UserID string
	Values map[string]string
}

// Response writes output and values back to the calling capability.
type Response struct {
	rc *types.ResponseContext
}

// SetOutput sets the final output of the whole call.
func (r *Response) SetOutput(output string) {
	if r.rc != nil {
		r.rc.SetOutput(output)
	}
}

// Set stores a response value.
func (r *Response) Set(key, value string) {
	if r.rc != nil {
		r.rc.Set(key, value)
	}
}

// Get returns a response value.
func (r *Response) Get(key string) (string, bool) {
	return r.rc.Get(key)
}

// Env is the state bound to a single run.
type Env struct {
	Parameters map[string]string
	Request    *Request
	Response   *Response

	ctx    context.Context
	invoke InvokeFunc
}

// New binds a fresh Env to inv.
func New(ctx context.Context, inv Invocation) *Env {
	params := make(map[string]string, len(inv.Parameters))
	for k, v := range inv.Parameters {
		params[k] = v
	}
	req := &Request{}
	if inv.Request != nil {
		req.Prompt = inv.Request.Prompt
		req.UserID = inv.Request.UserID
		req.Values = make(map[string]string, len(inv.Request.Values))
		for k, v := range inv.Request.Values {
			req.Values[k] = v
		}
	}
	return &Env{
		Parameters: params,
		Request:    req,
		Response:   &Response{rc: inv.Response},
		ctx:        ctx,
		invoke:     inv.Invoke,
	}
}

// Param returns the 1-based positional parameter.
func (e *Env) Param(position int) string {
	return e.Parameters[types.ParameterName(position)]
}

// Invoke calls another capability with positional parameters.
func (e *Env) Invoke(name string, params ...string) (string, error) {
	if e.invoke == nil {
		return "", types.NewConfigError("", "capability invocation is not available to this script")
	}
	return e.invoke(e.ctx, name, types.PackPositional(params...))
}

// Context returns the context of the call.
func (e *Env) Context() context.Context {
	return e.ctx
}
