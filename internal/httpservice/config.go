// Package httpservice 提供 HTTP 层公共设施：统一响应格式、中间件、请求辅助函数与服务生命周期
package httpservice

import "time"

// Config HTTP 服务配置
type Config struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"` // 0 表示不限制，事件流需要长连接
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes"`
	MaxBodySize     int64         `yaml:"max_body_size"`
	CORS            CORSConfig    `yaml:"cors"`
	TrustedProxies  []string      `yaml:"trusted_proxies"` // 反向代理的 CIDR 或 IP；为空时忽略转发头
}

// DefaultConfig 默认 HTTP 服务配置
func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":8080",
		ReadTimeout:     30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		MaxHeaderBytes:  1 << 20,
		MaxBodySize:     1 << 20,
		CORS:            DefaultCORSConfig(),
	}
}

// CORSConfig CORS 配置
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// DefaultCORSConfig 默认 CORS 配置（关闭）
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		Enabled:        false,
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", HeaderRequestID},
	}
}
