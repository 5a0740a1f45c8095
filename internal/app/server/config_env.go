package server

import (
	"os"
	"strconv"
	"strings"
	"time"

	corelog "tenantgate/internal/core/log"
)

// ApplyEnvOverrides 应用环境变量覆盖配置
// 环境变量优先级高于配置文件
func ApplyEnvOverrides(config *Config) {
	// Server
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		config.Server.ListenAddr = v
	}
	if v := os.Getenv("TRUSTED_PROXIES"); v != "" {
		config.Server.TrustedProxies = strings.Split(v, ",")
	}

	// Log
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		config.Log.Format = v
	}

	// 中央目录库与共享租户库
	if v := os.Getenv("CENTRAL_DB_DSN"); v != "" {
		config.CentralDB.DSN = v
	}
	if v := os.Getenv("TENANT_DB_DSN"); v != "" {
		config.CentralDB.TenantDSN = v
	}

	// 连接池
	if v, ok := envInt("POOL_MAX_CONNS"); ok {
		config.Pool.MaxConns = v
	}
	if v, ok := envDuration("POOL_ACQUIRE_TIMEOUT"); ok {
		config.Pool.AcquireTimeout = v
	}

	// MessageBroker
	if v := os.Getenv("MESSAGE_BROKER_TYPE"); v != "" {
		config.MessageBroker.Type = v
	}
	if v := os.Getenv("MESSAGE_BROKER_REDIS_ADDR"); v != "" {
		config.MessageBroker.Redis.Addr = v
	}
	if v := os.Getenv("MESSAGE_BROKER_REDIS_PASSWORD"); v != "" {
		config.MessageBroker.Redis.Password = v
	}
	if v := os.Getenv("NODE_ID"); v != "" {
		config.MessageBroker.NodeID = v
	}

	// Auth
	if v := os.Getenv("JWT_SECRET"); v != "" {
		config.Auth.JWTSecret = v
	}

	// Admission
	if v, ok := envInt("ADMISSION_MAX_ATTEMPTS"); ok {
		config.Admission.MaxAttempts = v
	}
	if v, ok := envDuration("ADMISSION_WINDOW"); ok {
		config.Admission.Window = v
	}
	if v, ok := envDuration("ADMISSION_BLOCK"); ok {
		config.Admission.BlockDuration = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		corelog.Warnf("Config: ignoring %s=%q: not an integer", key, v)
		return 0, false
	}
	return n, true
}

// envDuration 接受 "30s" 形式，纯数字按秒处理
func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, true
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	corelog.Warnf("Config: ignoring %s=%q: not a duration", key, v)
	return 0, false
}
