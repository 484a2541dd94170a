package api

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/BaSui01/capflow/capability"
	"github.com/BaSui01/capflow/types"
	"github.com/gin-gonic/gin"
	"github.com/yuin/goldmark"
	"go.uber.org/zap"
)

// HealthStatus /health 响应
type HealthStatus struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	Capabilities int    `json:"capabilities"`
}

// InvokeRequest is the body of POST /v1/capabilities/:name/invoke.
type InvokeRequest struct {
	// Parameters fill parameter1..parameter9 in order.
	Parameters []string `json:"parameters,omitempty"`
	// Defaults name the connections preferred when a definition has no hint.
	Defaults []string          `json:"defaults,omitempty"`
	Prompt   string            `json:"prompt,omitempty"`
	UserID   string            `json:"user_id,omitempty"`
	Values   map[string]string `json:"values,omitempty"`
}

// InvokeResponse is the data of a successful invocation.
type InvokeResponse struct {
	Output string            `json:"output"`
	Format string            `json:"format"`
	Values map[string]string `json:"values,omitempty"`
}

func (s *Server) health(c *gin.Context) {
	n := 0
	if lib := s.invoker.Library(); lib != nil {
		n = len(lib.Enabled())
	}
	writeSuccess(c, HealthStatus{Status: "ok", Version: s.version, Capabilities: n})
}

func (s *Server) listCapabilities(c *gin.Context) {
	lib := s.invoker.Library()
	if lib == nil {
		writeSuccess(c, []*capability.Function{})
		return
	}
	defs := lib.Enabled()
	out := make([]*capability.Function, 0, len(defs))
	for _, def := range defs {
		fn, err := capability.NewFunction(def, s.invoker)
		if err != nil {
			s.logger.Warn("skipping capability", zap.String("name", def.Name), zap.Error(err))
			continue
		}
		out = append(out, fn)
	}
	writeSuccess(c, out)
}

func (s *Server) invoke(c *gin.Context) {
	var req InvokeRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		abortWith(c, http.StatusBadRequest, &ErrorInfo{Code: "INVALID_REQUEST", Message: err.Error()})
		return
	}

	ctx := c.Request.Context()
	if len(req.Defaults) > 0 {
		ctx = types.WithDefaultConnections(ctx, req.Defaults)
	}
	if req.UserID != "" {
		ctx = types.WithUserID(ctx, req.UserID)
	}
	ctx = types.WithRequest(ctx, &types.RequestContext{Prompt: req.Prompt, UserID: req.UserID, Values: req.Values})
	ctx, resp := types.EnsureResponse(ctx)

	out, err := s.invoker.InvokeByName(ctx, c.Param("name"), types.PackPositional(req.Parameters...))
	if err != nil {
		writeError(c, err)
		return
	}

	result := InvokeResponse{Output: out, Format: "text", Values: resp.Snapshot().Values}
	if c.Query("format") == "html" {
		html, err := s.renderHTML(out)
		if err != nil {
			writeError(c, types.NewError(types.ErrInternal, "render markdown").WithCause(err))
			return
		}
		result.Output, result.Format = html, "html"
	}
	writeSuccess(c, result)
}

// renderHTML converts Markdown output to sanitized HTML.
func (s *Server) renderHTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &buf); err != nil {
		return "", err
	}
	return s.policy.Sanitize(buf.String()), nil
}
