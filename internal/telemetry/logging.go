package telemetry

import "go.uber.org/zap"

// NewLogger builds the process logger. Debug switches to the human-readable
// development encoder with debug-level output.
func NewLogger(debug bool) (*zap.SugaredLogger, error) {
	var (
		l   *zap.Logger
		err error
	)
	if debug {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

// NopLogger discards everything. Components fall back to it when the caller
// supplies no logger.
func NopLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
