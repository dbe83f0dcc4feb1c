package logger

import (
	"context"
	"os"

	"go.uber.org/zap"

	"github.com/agenticmail/agenticmail/pkg/trace"
)

var Log *zap.Logger

// NewLogger builds the process logger. LOG_MODE=dev switches to the
// human-readable development encoder.
func NewLogger() *zap.Logger {
	var (
		l   *zap.Logger
		err error
	)
	if os.Getenv("LOG_MODE") == "dev" {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	Log = l
	return l
}

// WithTrace 从 context 中提取 trace_id 并添加到 logger
func WithTrace(ctx context.Context, logger *zap.Logger) *zap.Logger {
	traceID := trace.FromContext(ctx)
	if traceID != "" {
		return logger.With(zap.String("trace_id", traceID))
	}
	return logger
}
