// Package logging 构建 jitci 使用的 zap 日志记录器
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DebugEnv 控制调试日志的环境变量
const DebugEnv = "JITCI_DEBUG"

// Config 日志配置
type Config struct {
	// Debug 是否输出调试级别日志
	Debug bool

	// File 日志文件路径，为空时写到标准错误
	File string
}

// FromEnv 根据环境变量生成配置
func FromEnv(file string) Config {
	debug := os.Getenv(DebugEnv)
	return Config{
		Debug: debug == "1" || debug == "true" || debug == "on",
		File:  file,
	}
}

// New 创建日志记录器
func New(cfg Config) (*zap.Logger, error) {
	level := zap.InfoLevel
	if cfg.Debug {
		level = zap.DebugLevel
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	zc.Sampling = nil
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	if cfg.File != "" {
		zc.OutputPaths = append(zc.OutputPaths, cfg.File)
	}

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

// MustNew 创建日志记录器，失败时退回到 nop 记录器并在标准错误上说明原因
func MustNew(cfg Config) *zap.Logger {
	logger, err := New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		return zap.NewNop()
	}
	return logger
}
