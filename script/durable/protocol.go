package durable

import "github.com/BaSui01/capflow/types"

// Message types exchanged with a unit over its extra pipes (fd 3 host→unit, fd 4 unit→host).
//
//	host → unit  start          {parameters, request, response}
//	unit → host  invoke         {id, name, parameters}
//	host → unit  invoke_result  {id, output, error}
//	unit → host  result         {output, response}
//	unit → host  error          {outer, inner}
const (
	MsgStart        = "start"
	MsgInvoke       = "invoke"
	MsgInvokeResult = "invoke_result"
	MsgResult       = "result"
	MsgError        = "error"
)

// Message is one JSON line of the unit protocol.
type Message struct {
	Type       string                  `json:"type"`
	ID         int                     `json:"id,omitempty"`
	Name       string                  `json:"name,omitempty"`
	Parameters map[string]string       `json:"parameters,omitempty"`
	Request    *types.RequestContext   `json:"request,omitempty"`
	Response   *types.ResponseSnapshot `json:"response,omitempty"`
	Output     string                  `json:"output,omitempty"`
	Error      string                  `json:"error,omitempty"`
	Outer      string                  `json:"outer,omitempty"`
	Inner      string                  `json:"inner,omitempty"`
}
