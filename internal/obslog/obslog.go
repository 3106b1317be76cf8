// Package obslog centralizes the logging helpers that the teacher repo
// this module is derived from carried as three separate, drifting
// copies (items/logging.go, items/utils.go, items/helpers.go). Every
// log line is auto-tagged with the acting user_id pulled from ctx, the
// way the teacher's RPC handlers always did.
package obslog

import (
	"context"

	"github.com/heroiclabs/nakama-common/runtime"

	"spin.casa/matchcore/errors"
)

// WithUser logs message at level, auto-tagging the user_id found in ctx
// (if any) onto fields before dispatch.
func WithUser(ctx context.Context, logger runtime.Logger, level string, message string, fields map[string]interface{}) {
	userID := ""
	if uid, ok := ctx.Value(runtime.RUNTIME_CTX_USER_ID).(string); ok {
		userID = uid
	}

	if userID != "" {
		if fields == nil {
			fields = make(map[string]interface{})
		}
		fields["user"] = userID
	}

	if len(fields) > 0 {
		l := logger.WithFields(fields)
		dispatch(l, level, message)
		return
	}
	dispatch(logger, level, message)
}

func dispatch(logger runtime.Logger, level, message string) {
	switch level {
	case "debug":
		logger.Debug(message)
	case "warn":
		logger.Warn(message)
	case "error":
		logger.Error(message)
	default:
		logger.Info(message)
	}
}

func Error(ctx context.Context, logger runtime.Logger, message string, err error) {
	fields := map[string]interface{}{}
	if err != nil {
		fields["error"] = err.Error()
	}
	WithUser(ctx, logger, "error", message, fields)
}

func Info(ctx context.Context, logger runtime.Logger, message string) {
	WithUser(ctx, logger, "info", message, nil)
}

func Warn(ctx context.Context, logger runtime.Logger, message string) {
	WithUser(ctx, logger, "warn", message, nil)
}

func Debug(ctx context.Context, logger runtime.Logger, message string) {
	WithUser(ctx, logger, "debug", message, nil)
}

// GetUserID extracts user ID from context with the same error shape
// the teacher's RPC handlers used.
func GetUserID(ctx context.Context, logger runtime.Logger) (string, error) {
	userID, ok := ctx.Value(runtime.RUNTIME_CTX_USER_ID).(string)
	if !ok || userID == "" {
		logger.Error("no user ID found in context")
		return "", errors.ErrNoUserIdFound
	}
	return userID, nil
}
