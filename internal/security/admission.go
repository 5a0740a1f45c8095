// Package security 提供请求准入控制：按 (来源地址, 路由) 计数的滑动重置窗口
package security

import (
	"context"
	"sync"
	"time"

	"tenantgate/internal/core/dispose"
	corelog "tenantgate/internal/core/log"
)

// AdmissionConfig 准入配置
type AdmissionConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`   // 窗口内允许的请求数
	Window        time.Duration `yaml:"window"`         // 计数窗口
	BlockDuration time.Duration `yaml:"block_duration"` // 超限后的封禁时长
	SweepInterval time.Duration `yaml:"sweep_interval"` // 过期条目清理间隔，0 关闭后台清理
}

// DefaultAdmissionConfig 默认配置
func DefaultAdmissionConfig() AdmissionConfig {
	return AdmissionConfig{
		MaxAttempts:   30,
		Window:        300 * time.Second,
		BlockDuration: 120 * time.Second,
		SweepInterval: 60 * time.Second,
	}
}

// Decision 准入结果
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  int
}

// RetryAfterSeconds 向上取整的重试秒数
func (d Decision) RetryAfterSeconds() int64 {
	if d.RetryAfter <= 0 {
		return 0
	}
	return int64((d.RetryAfter + time.Second - 1) / time.Second)
}

// AdmissionStats 准入统计
type AdmissionStats struct {
	Tracked  int    `json:"tracked"`
	Blocked  int    `json:"blocked"`
	Rejected uint64 `json:"rejected"`
}

type admissionKey struct {
	origin string
	route  string
}

type admissionEntry struct {
	count        int
	firstAttempt time.Time
	blockedUntil time.Time
}

// AdmissionGuard 准入守卫
//
// 条目只在内存中，进程重启即清空；防护目标是短窗口内的持续滥用。
type AdmissionGuard struct {
	*dispose.ServiceBase

	config AdmissionConfig
	now    func() time.Time

	mu       sync.Mutex
	entries  map[admissionKey]*admissionEntry
	rejected uint64
}

// NewAdmissionGuard 创建准入守卫并启动后台清理
func NewAdmissionGuard(parentCtx context.Context, config AdmissionConfig) *AdmissionGuard {
	def := DefaultAdmissionConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.Window <= 0 {
		config.Window = def.Window
	}
	if config.BlockDuration <= 0 {
		config.BlockDuration = def.BlockDuration
	}

	g := &AdmissionGuard{
		ServiceBase: dispose.NewService("AdmissionGuard", parentCtx),
		config:      config,
		now:         time.Now,
		entries:     make(map[admissionKey]*admissionEntry),
	}
	if config.SweepInterval > 0 {
		go g.sweepLoop()
	}
	return g
}

// SetClock 替换时钟，供测试使用
func (g *AdmissionGuard) SetClock(now func() time.Time) {
	g.mu.Lock()
	g.now = now
	g.mu.Unlock()
}

// Check 记录一次请求并返回是否放行
func (g *AdmissionGuard) Check(origin, route string) Decision {
	key := admissionKey{origin: origin, route: route}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	entry, ok := g.entries[key]

	if ok && now.Before(entry.blockedUntil) {
		g.rejected++
		return Decision{RetryAfter: entry.blockedUntil.Sub(now)}
	}

	// 新来源、窗口已过或封禁已结束：开启新窗口
	if !ok || now.Sub(entry.firstAttempt) > g.config.Window || !entry.blockedUntil.IsZero() {
		g.entries[key] = &admissionEntry{count: 1, firstAttempt: now}
		return Decision{Allowed: true, Remaining: g.config.MaxAttempts - 1}
	}

	entry.count++
	if entry.count > g.config.MaxAttempts {
		entry.blockedUntil = now.Add(g.config.BlockDuration)
		g.rejected++
		corelog.WithFields(map[string]interface{}{
			"origin": origin,
			"route":  route,
			"count":  entry.count,
		}).Warnf("AdmissionGuard: blocking for %s", g.config.BlockDuration)
		return Decision{RetryAfter: g.config.BlockDuration}
	}
	return Decision{Allowed: true, Remaining: g.config.MaxAttempts - entry.count}
}

// Reset 清除某来源在某路由上的计数，例如登录成功后
func (g *AdmissionGuard) Reset(origin, route string) {
	g.mu.Lock()
	delete(g.entries, admissionKey{origin: origin, route: route})
	g.mu.Unlock()
}

// Sweep 删除窗口和封禁都已过期的条目，返回删除数
func (g *AdmissionGuard) Sweep(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for key, entry := range g.entries {
		if now.Sub(entry.firstAttempt) > g.config.Window && !now.Before(entry.blockedUntil) {
			delete(g.entries, key)
			removed++
		}
	}
	return removed
}

// Stats 返回统计
func (g *AdmissionGuard) Stats() AdmissionStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	s := AdmissionStats{Tracked: len(g.entries), Rejected: g.rejected}
	for _, entry := range g.entries {
		if now.Before(entry.blockedUntil) {
			s.Blocked++
		}
	}
	return s
}

func (g *AdmissionGuard) sweepLoop() {
	ticker := time.NewTicker(g.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.Ctx().Done():
			return
		case <-ticker.C:
			g.mu.Lock()
			now := g.now()
			g.mu.Unlock()
			if n := g.Sweep(now); n > 0 {
				corelog.Debugf("AdmissionGuard: swept %d expired entries", n)
			}
		}
	}
}
