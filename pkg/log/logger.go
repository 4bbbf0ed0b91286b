// Package log builds the process-wide zap logger.
package log

import (
	"fmt"
	"runtime"

	"github.com/mattn/go-colorable"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	EncodingJSON    = "json"
	EncodingConsole = "console"
)

// NewLogger returns a logger at lvl writing format (EncodingJSON or
// EncodingConsole) to stderr.
func NewLogger(lvl zapcore.Level, format string) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	var opts []zap.Option
	if lvl >= zap.InfoLevel {
		zc.DisableStacktrace = true
		zc.DisableCaller = true
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	switch format {
	case EncodingJSON:
		zc.Encoding = EncodingJSON
		zc.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
		zc.EncoderConfig.TimeKey = "@timestamp"
		zc.EncoderConfig.MessageKey = "message"
	case EncodingConsole, "":
		zc.Encoding = EncodingConsole
		zc.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		// Windows terminals need help with color output.
		if runtime.GOOS == "windows" {
			opts = append(opts, zap.WrapCore(func(_ zapcore.Core) zapcore.Core {
				return zapcore.NewCore(
					zapcore.NewConsoleEncoder(zc.EncoderConfig),
					zapcore.AddSync(colorable.NewColorableStderr()),
					lvl,
				)
			}))
		}
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	return zc.Build(opts...)
}
