package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"VoiceCallRelay/internal/metrics"
	"VoiceCallRelay/internal/protocol"
)

// Dispatcher 执行代理发起的函数调用
// 任何失败都转换为 {"error": ...} 结果，不向调用方抛出
type Dispatcher struct {
	registry *Registry
	timeout  time.Duration
	logger   zerolog.Logger
}

// Option 调度器选项
type Option func(*Dispatcher)

// WithTimeout 设置单次调用超时
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		d.timeout = timeout
	}
}

// WithLogger 设置日志
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher 创建调度器
func NewDispatcher(registry *Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		timeout:  15 * time.Second,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Registry 返回注册表
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// ErrorResult 错误结果
func ErrorResult(msg string) map[string]any {
	return map[string]any{"error": msg}
}

// Dispatch 按名称执行一次操作，总是返回可序列化的结果
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args map[string]any) any {
	result, _ := d.dispatch(ctx, name, args)
	return result
}

func (d *Dispatcher) dispatch(ctx context.Context, name string, args map[string]any) (result any, outcome string) {
	op, ok := d.registry.Lookup(name)
	if !ok {
		metrics.FunctionCalls.WithLabelValues(metrics.OutcomeUnknown, metrics.OutcomeUnknown).Inc()
		return ErrorResult(fmt.Sprintf("unknown function: %s", name)), metrics.OutcomeUnknown
	}

	start := time.Now()
	defer func() {
		metrics.FunctionLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())
		metrics.FunctionCalls.WithLabelValues(name, outcome).Inc()
	}()

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	return d.invoke(ctx, name, op, args)
}

func (d *Dispatcher) invoke(ctx context.Context, name string, op Operation, args map[string]any) (result any, outcome string) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Str("function", name).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Function panicked")
			result = ErrorResult(fmt.Sprint(r))
			outcome = metrics.OutcomePanic
		}
	}()

	if args == nil {
		args = map[string]any{}
	}

	value, err := op.Call(ctx, args)
	if err != nil {
		return ErrorResult(err.Error()), metrics.OutcomeError
	}
	return value, metrics.OutcomeOK
}

// Handle 处理一条函数调用请求，每个函数id恰好产生一条响应
func (d *Dispatcher) Handle(ctx context.Context, req protocol.FunctionCallRequest) []protocol.FunctionCallResponse {
	responses := make([]protocol.FunctionCallResponse, 0, len(req.Functions))
	for _, call := range req.Functions {
		resp, _ := d.HandleCall(ctx, call)
		responses = append(responses, resp)
	}
	return responses
}

// HandleCall 执行单个函数调用，ok表示调用成功
func (d *Dispatcher) HandleCall(ctx context.Context, call protocol.FunctionCall) (resp protocol.FunctionCallResponse, ok bool) {
	log := d.logger.With().Str("function", call.Name).Str("call_id", call.ID).Logger()

	var result any
	outcome := metrics.OutcomeError
	args, err := call.ParseArguments()
	if err != nil {
		result = ErrorResult(err.Error())
	} else {
		result, outcome = d.dispatch(ctx, call.Name, args)
	}

	resp, err = protocol.NewFunctionCallResponse(call.ID, call.Name, result)
	if err != nil {
		outcome = metrics.OutcomeError
		resp, _ = protocol.NewFunctionCallResponse(call.ID, call.Name, ErrorResult(err.Error()))
	}

	if outcome == metrics.OutcomeOK {
		log.Info().Msg("Function call completed")
		return resp, true
	}
	log.Warn().Str("outcome", outcome).Str("content", resp.Content).Msg("Function call failed")
	return resp, false
}
