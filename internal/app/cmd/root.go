// Package cmd 提供 tenantgate 的命令行入口
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"

	"tenantgate/internal/app/server"
	corelog "tenantgate/internal/core/log"
	"tenantgate/internal/version"

	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "tenantgate",
	Short: "tenantgate - multi-tenant request gateway",
	Long: `tenantgate resolves the tenant of every request, hands out
per-tenant database connections and broadcasts tenant-scoped events.

Quick Start:
  tenantgate serve --config config.yaml
  tenantgate tenants list --config config.yaml`,
	Version:       version.GetVersion(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute 执行根命令
func Execute() {
	defer func() {
		if r := recover(); r != nil {
			corelog.Errorf("FATAL: main goroutine panic recovered: %v", r)
			fmt.Fprintf(os.Stderr, "\nPANIC: %v\n%s\n", r, debug.Stack())
			os.Exit(2)
		}
	}()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "config.yaml", "Config file path")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tenantsCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig 解析配置文件绝对路径并加载
func loadConfig() (*server.Config, string, error) {
	path, err := filepath.Abs(configFile)
	if err != nil {
		return nil, "", fmt.Errorf("resolve config path: %w", err)
	}
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}
