package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tenantgate/internal/version"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

const bannerWidth = 60

var (
	bannerCyan  = color.New(color.FgCyan).SprintFunc()
	bannerBold  = color.New(color.Bold).SprintFunc()
	bannerGreen = color.New(color.FgGreen).SprintFunc()
	bannerFaint = color.New(color.Faint).SprintFunc()
)

// DisplayStartupBanner 显示启动信息；非终端输出（容器日志）时只打印一行摘要
func (s *Server) DisplayStartupBanner(configPath string) {
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		fmt.Printf("tenantgate %s node=%s listen=%s broker=%s config=%s\n",
			version.GetShortVersion(), s.nodeID, s.config.Server.ListenAddr,
			s.config.MessageBroker.Type, configPath)
		return
	}

	displayLogo()
	displayServerInfo(s, configPath)
	displayEndpoints(s)
	displayFooter()
}

func displayLogo() {
	fmt.Println()
	fmt.Printf("  %s  %s\n", bannerCyan("tenantgate"), bannerFaint("multi-tenant gateway"))
	fmt.Printf("  %s\n", bannerFaint("Version "+version.GetShortVersion()))
	fmt.Println()
}

func section(title string) {
	fmt.Println(bannerBold("  " + title))
	fmt.Println(bannerFaint("  " + strings.Repeat("─", bannerWidth)))
}

func displayServerInfo(s *Server, configPath string) {
	section("Server Information")

	rows := []struct {
		label string
		value string
	}{
		{"Node ID", s.nodeID},
		{"Config File", configPath},
		{"Start Time", time.Now().Format("2006-01-02 15:04:05")},
		{"Listen", s.config.Server.ListenAddr},
		{"Broker", formatBrokerInfo(s.config)},
		{"Log", formatLogInfo(s.config)},
		{"Pool Ceiling", fmt.Sprintf("%d per tenant", s.config.Pool.MaxConns)},
		{"Subscribers", fmt.Sprintf("max %d", s.config.Broadcast.MaxSubscribers)},
	}
	for _, row := range rows {
		fmt.Printf("  %-18s %s\n", bannerBold(row.label+":"), row.value)
	}
	fmt.Println()
}

func displayEndpoints(s *Server) {
	section("HTTP Endpoints")

	base := "http://" + s.config.Server.ListenAddr
	for _, ep := range []string{"/healthz", "/readyz", "/api/events", "/api/events/ws", "/api/admin/stats"} {
		fmt.Printf("    • %s\n", bannerFaint(base+ep))
	}
	if s.config.Server.CORS.Enabled {
		fmt.Printf("  %-18s %s\n", bannerBold("CORS:"), bannerGreen("✓ Enabled"))
	}
	fmt.Println()
}

func displayFooter() {
	fmt.Println(bannerFaint("  " + strings.Repeat("━", bannerWidth)))
	fmt.Println()
	fmt.Printf("  %s\n", bannerFaint("Server is starting..."))
}

func formatBrokerInfo(config *Config) string {
	if config.MessageBroker.Type == "redis" {
		return fmt.Sprintf("Redis (%s)", strings.Join(config.MessageBroker.Redis.AddrList(), ","))
	}
	return "Memory (single node)"
}

func formatLogInfo(config *Config) string {
	out := config.Log.Output
	if out == "file" {
		if abs, err := filepath.Abs(config.Log.File); err == nil {
			out = abs
		}
	}
	return fmt.Sprintf("%s, %s, %s", config.Log.Level, config.Log.Format, out)
}
