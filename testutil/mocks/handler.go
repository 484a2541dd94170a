// MockHandler 的能力处理器测试模拟实现。
//
// 按能力名称注册结果、错误或执行函数，并记录每次调用的参数。
package mocks

import (
	"context"
	"strings"
	"sync"

	"github.com/BaSui01/capflow/types"
)

// --- MockHandler 结构 ---

// HandlerFunc 能力执行函数类型
type HandlerFunc func(ctx context.Context, def *types.Definition, params types.Parameters) (string, error)

// MockHandler 是 capability.Handler 的模拟实现
type MockHandler struct {
	mu sync.RWMutex

	results map[string]string
	errors  map[string]error
	funcs   map[string]HandlerFunc

	// 调用记录
	calls []HandlerCall

	// 默认行为
	defaultResult string
	defaultError  error
}

// HandlerCall 记录单次能力调用
type HandlerCall struct {
	Name   string
	Params types.Parameters
	Output string
	Error  error
}

// --- 构造函数和 Builder 方法 ---

// NewMockHandler 创建新的 MockHandler
func NewMockHandler() *MockHandler {
	return &MockHandler{
		results: make(map[string]string),
		errors:  make(map[string]error),
		funcs:   make(map[string]HandlerFunc),
	}
}

func key(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// WithResult 设置能力的固定返回结果
func (m *MockHandler) WithResult(name, output string) *MockHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[key(name)] = output
	return m
}

// WithError 设置能力的固定返回错误
func (m *MockHandler) WithError(name string, err error) *MockHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[key(name)] = err
	return m
}

// WithFunc 设置能力的执行函数
func (m *MockHandler) WithFunc(name string, fn HandlerFunc) *MockHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funcs[key(name)] = fn
	return m
}

// WithDefaultResult 设置默认返回结果
func (m *MockHandler) WithDefaultResult(output string) *MockHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultResult = output
	return m
}

// WithDefaultError 设置默认返回错误
func (m *MockHandler) WithDefaultError(err error) *MockHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultError = err
	return m
}

// --- Handler 接口实现 ---

// DoCall 按能力名称分派：错误 > 固定结果 > 执行函数 > 默认行为
func (m *MockHandler) DoCall(ctx context.Context, def *types.Definition, params types.Parameters) (string, error) {
	m.mu.RLock()
	k := key(def.Name)
	err, hasErr := m.errors[k]
	result, hasResult := m.results[k]
	fn := m.funcs[k]
	defResult, defErr := m.defaultResult, m.defaultError
	m.mu.RUnlock()

	call := HandlerCall{Name: def.Name, Params: params.Clone(nil)}
	switch {
	case hasErr:
		call.Error = err
	case hasResult:
		call.Output = result
	case fn != nil:
		call.Output, call.Error = fn(ctx, def, params)
	case defErr != nil:
		call.Error = defErr
	default:
		call.Output = defResult
	}

	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.mu.Unlock()
	return call.Output, call.Error
}

// --- 查询方法 ---

// GetCalls 获取所有调用记录
func (m *MockHandler) GetCalls() []HandlerCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]HandlerCall{}, m.calls...)
}

// GetCallCount 获取调用次数
func (m *MockHandler) GetCallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.calls)
}

// GetCallsFor 获取指定能力的调用记录
func (m *MockHandler) GetCallsFor(name string) []HandlerCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []HandlerCall
	for _, c := range m.calls {
		if key(c.Name) == key(name) {
			out = append(out, c)
		}
	}
	return out
}

// Reset 清空调用记录
func (m *MockHandler) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}
