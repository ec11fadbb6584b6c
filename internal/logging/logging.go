// Package logging builds the process-wide zap logger. Call sites
// elsewhere in the module keep the teacher's leveled, key/value
// call shape (log.Debug("msg", "key", v, "key2", v2) in
// core/headerchain.go) via zap's SugaredLogger Infow/Warnw/Errorw
// family, so reading a log.Info/log.Error call site translates
// directly to a Sugar().Infow/Errorw call.
package logging

import (
	"os"
	"path/filepath"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Options controls how New builds a logger.
type Options struct {
	// Development enables a human-readable console encoder with
	// color when stderr is a terminal. Production uses a JSON
	// encoder regardless of terminal.
	Development bool
	// OutputDir, when non-empty, additionally writes JSON logs to
	// <OutputDir>/syncd.log, rotated via lumberjack.
	OutputDir string
	// Name tags every log line, e.g. "syncnode" or "broker".
	Name string
}

// New builds a *zap.SugaredLogger per opts.
func New(opts Options) *zap.SugaredLogger {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)

	consoleEncoderCfg := zap.NewDevelopmentEncoderConfig()
	jsonEncoderCfg := zap.NewProductionEncoderConfig()
	jsonEncoderCfg.TimeKey = "ts"
	jsonEncoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var consoleWriter zapcore.WriteSyncer
	if opts.Development && isatty.IsTerminal(os.Stderr.Fd()) {
		consoleWriter = zapcore.AddSync(colorable.NewColorableStderr())
		consoleEncoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		consoleWriter = zapcore.AddSync(os.Stderr)
	}

	var encoder zapcore.Encoder
	if opts.Development {
		encoder = zapcore.NewConsoleEncoder(consoleEncoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(jsonEncoderCfg)
	}

	cores := []zapcore.Core{zapcore.NewCore(encoder, consoleWriter, level)}

	if opts.OutputDir != "" {
		rotator := &lumberjack.Logger{
			Filename:   filepath.Join(opts.OutputDir, "syncd.log"),
			MaxSize:    50, // MB
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		}
		fileEncoder := zapcore.NewJSONEncoder(jsonEncoderCfg)
		cores = append(cores, zapcore.NewCore(fileEncoder, zapcore.AddSync(rotator), level))
	}

	logger := zap.New(zapcore.NewTee(cores...))
	if opts.Name != "" {
		logger = logger.Named(opts.Name)
	}
	return logger.Sugar()
}

// Nop returns a logger that discards everything, for tests.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
