// Package logging builds the process-wide zap logger.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const TimeFormat = "2006-01-02 15:04:05.999"

// Options selects the level and encoding. An empty Level falls back to the
// LOG_LEVEL environment variable, then to info.
type Options struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"`
}

// New builds a production logger. The returned level can be changed at
// runtime.
func New(opts Options) (*zap.Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevel()
	text := opts.Level
	if text == "" {
		text = os.Getenv("LOG_LEVEL")
	}
	if text != "" {
		if err := level.UnmarshalText([]byte(text)); err != nil {
			return nil, level, err
		}
	}

	config := zap.NewProductionConfig()
	config.Level = level
	config.Encoding = "console"
	if opts.Encoding != "" {
		config.Encoding = opts.Encoding
	}
	config.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(TimeFormat)
	config.DisableStacktrace = true
	config.Sampling = nil

	logger, err := config.Build()
	if err != nil {
		return nil, level, err
	}
	return logger, level, nil
}
