// Package observability holds the process-wide CLI logger.
package observability

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// CLILogger is the logger used by CLI commands. It discards output until
	// InitCLILogger is called.
	CLILogger = zap.NewNop()

	initMu sync.Mutex
)

// InitCLILogger replaces CLILogger with a console logger on stderr named
// name. verbose enables debug output.
func InitCLILogger(name string, verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	setLogger(newConsoleLogger(name, zap.NewAtomicLevelAt(level)))
}

// InitCLILoggerLevel is InitCLILogger with a configured level name
// ("debug", "info", "warn", "error"). Unknown names fall back to info.
func InitCLILoggerLevel(name, levelName string) {
	level, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(levelName)))
	if err != nil {
		level = zapcore.InfoLevel
	}
	setLogger(newConsoleLogger(name, zap.NewAtomicLevelAt(level)))
}

func setLogger(l *zap.Logger) {
	initMu.Lock()
	defer initMu.Unlock()
	_ = CLILogger.Sync()
	CLILogger = l
}

func newConsoleLogger(name string, level zap.AtomicLevel) *zap.Logger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if !isTerminal(os.Stderr) {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level)
	return zap.New(core).Named(name)
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

// Silence discards CLI logging, e.g. while a full-screen view owns the
// terminal. It returns a function restoring the previous logger.
func Silence() (restore func()) {
	initMu.Lock()
	prev := CLILogger
	CLILogger = zap.NewNop()
	initMu.Unlock()
	return func() {
		initMu.Lock()
		CLILogger = prev
		initMu.Unlock()
	}
}
