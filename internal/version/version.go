// Package version 构建版本信息
package version

import (
	"os"
	"runtime"
	"strings"
)

var (
	// Version 版本号，构建时通过 -ldflags 注入；为 "dev" 时尝试读取 VERSION 文件
	Version = "dev"

	// BuildTime 构建时间，通过 -ldflags 注入
	BuildTime = ""

	// GitCommit Git 提交哈希，通过 -ldflags 注入
	GitCommit = ""
)

func init() {
	if Version == "dev" {
		Version = readVersionFromFile("VERSION", "../VERSION")
	}
}

func readVersionFromFile(paths ...string) string {
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if v := strings.TrimPrefix(strings.TrimSpace(string(data)), "v"); v != "" {
			return v
		}
	}
	return "dev"
}

// shortCommit 截取提交哈希前 8 位
func shortCommit(commit string) string {
	if len(commit) > 8 {
		return commit[:8]
	}
	return commit
}

// GetVersion 完整版本信息
func GetVersion() string {
	v := "v" + Version
	if BuildTime != "" {
		v += " (built " + BuildTime + ")"
	}
	if GitCommit != "" {
		v += " commit " + shortCommit(GitCommit)
	}
	return v + " " + runtime.Version()
}

// GetShortVersion 简短版本号
func GetShortVersion() string {
	return "v" + Version
}
