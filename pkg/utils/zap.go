package utils

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.SugaredLogger
	lock   sync.RWMutex
)

func init() {
	logger = NewLogger()
}

func GetLogger() *zap.SugaredLogger {
	lock.RLock()
	defer lock.RUnlock()
	return logger
}

// InitLogger replaces the process logger with one that also appends to file.
// An empty file keeps stderr only.
func InitLogger(file string) error {
	l, err := newLogger(file)
	if err != nil {
		return err
	}
	lock.Lock()
	logger = l
	lock.Unlock()

	return nil
}

func NewLogger() *zap.SugaredLogger {
	l, err := newLogger("")
	if err != nil {
		panic(err)
	}
	return l
}

func newLogger(file string) (*zap.SugaredLogger, error) {
	outputs := []string{"stderr"}
	if file != "" {
		outputs = append(outputs, file)
	}
	cfg := zap.Config{
		Level:    zap.NewAtomicLevelAt(zapcore.DebugLevel),
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:  "msg",
			LevelKey:    "level",
			TimeKey:     "time",
			NameKey:     "logger",
			EncodeLevel: zapcore.CapitalLevelEncoder,
			EncodeTime:  zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05"),
			EncodeName:  zapcore.FullNameEncoder,
		},
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}

	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}
