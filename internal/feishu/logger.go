// ABOUTME: Bridges the Lark SDK logger interface onto slog
// ABOUTME: SDK messages arrive as variadic values and are joined into one line

package feishu

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// sdkLogger implements larkcore.Logger.
type sdkLogger struct {
	logger *slog.Logger
}

func newSDKLogger(logger *slog.Logger) *sdkLogger {
	return &sdkLogger{logger: logger.With("source", "lark-sdk")}
}

func (l *sdkLogger) Debug(ctx context.Context, args ...interface{}) {
	l.logger.DebugContext(ctx, join(args))
}

func (l *sdkLogger) Info(ctx context.Context, args ...interface{}) {
	l.logger.InfoContext(ctx, join(args))
}

func (l *sdkLogger) Warn(ctx context.Context, args ...interface{}) {
	l.logger.WarnContext(ctx, join(args))
}

func (l *sdkLogger) Error(ctx context.Context, args ...interface{}) {
	l.logger.ErrorContext(ctx, join(args))
}

func join(args []interface{}) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		parts = append(parts, fmt.Sprint(a))
	}
	return strings.Join(parts, " ")
}
