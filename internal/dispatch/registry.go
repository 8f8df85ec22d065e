package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrEmptyName         = errors.New("operation name is empty")
	ErrDuplicateFunction = errors.New("operation already registered")
)

// Operation 代理可调用的领域操作
type Operation interface {
	Call(ctx context.Context, args map[string]any) (any, error)
}

// OperationFunc 函数适配器
type OperationFunc func(ctx context.Context, args map[string]any) (any, error)

// Call 调用函数本身
func (f OperationFunc) Call(ctx context.Context, args map[string]any) (any, error) {
	return f(ctx, args)
}

// Registry 函数名到操作的映射
// 启动时注册，之后只读，所有通话共享
type Registry struct {
	mu  sync.RWMutex
	ops map[string]Operation
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{
		ops: make(map[string]Operation),
	}
}

// Register 注册操作
func (r *Registry) Register(name string, op Operation) error {
	if name == "" {
		return ErrEmptyName
	}
	if op == nil {
		return fmt.Errorf("register %s: nil operation", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.ops[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateFunction, name)
	}
	r.ops[name] = op
	return nil
}

// RegisterFunc 注册函数形式的操作
func (r *Registry) RegisterFunc(name string, fn func(ctx context.Context, args map[string]any) (any, error)) error {
	return r.Register(name, OperationFunc(fn))
}

// Lookup 查找操作，未注册时ok为false
func (r *Registry) Lookup(name string) (op Operation, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	op, ok = r.ops[name]
	return op, ok
}

// Names 已注册的函数名（排序）
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
