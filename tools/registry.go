package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/chatflow/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ToolFunc defines the tool function signature.
type ToolFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// RateLimitConfig defines rate limit configuration.
type RateLimitConfig struct {
	MaxCalls int           // Maximum calls
	Window   time.Duration // Time window
}

// Metadata describes tool metadata.
type Metadata struct {
	Schema    types.ToolSchema // Tool JSON Schema
	RateLimit *RateLimitConfig // Rate limit config (optional)
	Timeout   time.Duration    // Execution timeout (default 30s)
}

// Registry defines the tool registry interface.
type Registry interface {
	Register(name string, fn ToolFunc, meta Metadata) error
	Unregister(name string) error
	Get(name string) (ToolFunc, Metadata, error)
	List() []types.ToolSchema
	Has(name string) bool
}

// DefaultRegistry 默认的工具注册中心实现。
type DefaultRegistry struct {
	mu       sync.RWMutex
	tools    map[string]ToolFunc
	metadata map[string]Metadata
	limiters map[string]*rate.Limiter // 工具级别的速率限制器
	logger   *zap.Logger
}

// NewDefaultRegistry 创建默认的工具注册中心。
func NewDefaultRegistry(logger *zap.Logger) *DefaultRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DefaultRegistry{
		tools:    make(map[string]ToolFunc),
		metadata: make(map[string]Metadata),
		limiters: make(map[string]*rate.Limiter),
		logger:   logger,
	}
}

func (r *DefaultRegistry) Register(name string, fn ToolFunc, meta Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}

	// 校验 Schema
	if meta.Schema.Name == "" {
		meta.Schema.Name = name
	}
	if meta.Schema.Name != name {
		return fmt.Errorf("tool name mismatch: schema.Name=%s, register name=%s", meta.Schema.Name, name)
	}
	if len(meta.Schema.Parameters) > 0 {
		if _, err := parseSchema(meta.Schema.Parameters); err != nil {
			return fmt.Errorf("invalid parameter schema for tool %s: %w", name, err)
		}
	}

	// 设置默认超时
	if meta.Timeout == 0 {
		meta.Timeout = 30 * time.Second
	}

	r.tools[name] = fn
	r.metadata[name] = meta

	if meta.RateLimit != nil && meta.RateLimit.MaxCalls > 0 && meta.RateLimit.Window > 0 {
		interval := meta.RateLimit.Window / time.Duration(meta.RateLimit.MaxCalls)
		r.limiters[name] = rate.NewLimiter(rate.Every(interval), meta.RateLimit.MaxCalls)
	}

	r.logger.Info("tool registered", zap.String("name", name), zap.Duration("timeout", meta.Timeout))
	return nil
}

func (r *DefaultRegistry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; !exists {
		return fmt.Errorf("tool %s not found", name)
	}

	delete(r.tools, name)
	delete(r.metadata, name)
	delete(r.limiters, name)

	r.logger.Info("tool unregistered", zap.String("name", name))
	return nil
}

func (r *DefaultRegistry) Get(name string) (ToolFunc, Metadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.tools[name]
	if !ok {
		return nil, Metadata{}, types.NewError(types.ErrToolNotFound, fmt.Sprintf("tool %s not found", name))
	}
	return fn, r.metadata[name], nil
}

func (r *DefaultRegistry) List() []types.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]types.ToolSchema, 0, len(r.metadata))
	for _, meta := range r.metadata {
		schemas = append(schemas, meta.Schema)
	}
	return schemas
}

func (r *DefaultRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// allow 检查是否触发速率限制。
func (r *DefaultRegistry) allow(name string) error {
	r.mu.RLock()
	limiter, ok := r.limiters[name]
	r.mu.RUnlock()

	if !ok {
		return nil // 没有速率限制
	}
	if !limiter.Allow() {
		return types.NewError(types.ErrToolRateLimit, fmt.Sprintf("rate limit exceeded for tool %s", name)).WithRetryable(true)
	}
	return nil
}

// parameterSchema 是声明式参数模式的结构化视图（JSON Schema 子集）。
type parameterSchema struct {
	Type       string                     `json:"type"`
	Properties map[string]json.RawMessage `json:"properties"`
	Required   []string                   `json:"required"`
}

func parseSchema(raw json.RawMessage) (*parameterSchema, error) {
	var s parameterSchema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// validateArgs 按声明的参数模式做结构校验：参数必须是 JSON 对象，
// 必填属性齐全，且不携带未声明的属性。
func validateArgs(schema types.ToolSchema, args json.RawMessage) error {
	if len(schema.Parameters) == 0 {
		// 无模式声明时只要求参数是合法 JSON
		if len(args) == 0 {
			return nil
		}
		var tmp any
		if err := json.Unmarshal(args, &tmp); err != nil {
			return types.NewError(types.ErrToolValidation, "arguments are not valid JSON").WithCause(err)
		}
		return nil
	}

	s, err := parseSchema(schema.Parameters)
	if err != nil {
		return types.NewError(types.ErrToolValidation, "declared parameter schema is invalid").WithCause(err)
	}

	var obj map[string]json.RawMessage
	if len(args) == 0 {
		obj = map[string]json.RawMessage{}
	} else if err := json.Unmarshal(args, &obj); err != nil {
		return types.NewError(types.ErrToolValidation, "arguments are not a JSON object").WithCause(err)
	}

	for _, req := range s.Required {
		if _, ok := obj[req]; !ok {
			return types.NewError(types.ErrToolValidation, fmt.Sprintf("missing required argument: %s", req))
		}
	}

	if s.Properties != nil {
		for key := range obj {
			if _, ok := s.Properties[key]; !ok {
				return types.NewError(types.ErrToolValidation, fmt.Sprintf("unexpected argument: %s", key))
			}
		}
	}

	return nil
}
