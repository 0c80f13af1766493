package logger

import (
	"go.uber.org/zap"
)

// New builds the process logger: JSON output at info level in production,
// human-readable output at debug level otherwise.
func New(appEnv string) (*zap.SugaredLogger, error) {
	var cfg zap.Config
	if appEnv == "production" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	log, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return log.Sugar(), nil
}

// NewNop returns a logger that discards everything, for tests.
func NewNop() *zap.SugaredLogger { return zap.NewNop().Sugar() }
