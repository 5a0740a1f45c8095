// Package dispose 提供组件生命周期管理：上下文取消与清理回调
package dispose

import (
	"context"
	"fmt"
	"sync"
)

// DisposeError 单个清理回调的错误
type DisposeError struct {
	HandlerIndex int
	ResourceName string
	Err          error
}

func (e *DisposeError) Error() string {
	if e.ResourceName != "" {
		return fmt.Sprintf("cleanup resource[%s] handler[%d] failed: %v", e.ResourceName, e.HandlerIndex, e.Err)
	}
	return fmt.Sprintf("cleanup handler[%d] failed: %v", e.HandlerIndex, e.Err)
}

func (e *DisposeError) Unwrap() error {
	return e.Err
}

// DisposeResult 清理结果
type DisposeResult struct {
	Errors []*DisposeError
}

func (r *DisposeResult) HasErrors() bool {
	return r != nil && len(r.Errors) > 0
}

func (r *DisposeResult) Error() string {
	if !r.HasErrors() {
		return ""
	}
	if len(r.Errors) == 1 {
		return r.Errors[0].Error()
	}
	return fmt.Sprintf("dispose cleanup failed with %d errors, first: %v", len(r.Errors), r.Errors[0])
}

// Disposable 可被 ResourceManager 统一释放的资源
type Disposable interface {
	Close() error
}

// Dispose 组件上下文与清理回调
// 上下文被父级取消时也会执行清理回调，回调只执行一次
type Dispose struct {
	mu            sync.Mutex
	closed        bool
	ctx           context.Context
	cancel        context.CancelFunc
	handlersMu    sync.Mutex
	cleanHandlers []func() error
	result        *DisposeResult
}

func (d *Dispose) Ctx() context.Context {
	return d.ctx
}

func (d *Dispose) IsClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Close 取消上下文并执行清理回调；重复调用返回首次结果
func (d *Dispose) Close() error {
	d.mu.Lock()
	if d.closed {
		result := d.result
		d.mu.Unlock()
		return asError(result)
	}
	d.closed = true
	d.mu.Unlock()

	if d.cancel != nil {
		d.cancel()
	}
	result := d.runCleanHandlers()

	d.mu.Lock()
	d.result = result
	d.mu.Unlock()
	return asError(result)
}

func asError(r *DisposeResult) error {
	if r.HasErrors() {
		return r
	}
	return nil
}

// runCleanHandlers 按注册的相反顺序执行
func (d *Dispose) runCleanHandlers() *DisposeResult {
	d.handlersMu.Lock()
	handlers := make([]func() error, len(d.cleanHandlers))
	copy(handlers, d.cleanHandlers)
	d.handlersMu.Unlock()

	result := &DisposeResult{}
	for i := len(handlers) - 1; i >= 0; i-- {
		if err := handlers[i](); err != nil {
			result.Errors = append(result.Errors, &DisposeError{HandlerIndex: i, Err: err})
			Errorf("Cleanup handler[%d] failed: %v", i, err)
		}
	}
	return result
}

// AddCleanHandler 添加清理回调
func (d *Dispose) AddCleanHandler(f func() error) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	d.cleanHandlers = append(d.cleanHandlers, f)
}

// SetCtx 绑定父上下文；父上下文取消时自动关闭
func (d *Dispose) SetCtx(parent context.Context, onClose func() error) {
	if d.ctx != nil {
		Warnf("ctx already set")
		return
	}
	if parent == nil {
		parent = context.Background()
	}
	if onClose != nil {
		d.AddCleanHandler(onClose)
	}

	d.ctx, d.cancel = context.WithCancel(parent)
	go func() {
		<-d.ctx.Done()
		if err := d.Close(); err != nil {
			Errorf("Context cancellation cleanup failed: %v", err)
		}
	}()
}
