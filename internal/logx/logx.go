package logx

import (
	"context"

	"pkt.systems/appwatch/schema"
	"pkt.systems/pslog"
)

type contextKey int

const userKey contextKey = iota

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithUser annotates the logger with the user id if present.
func WithUser(ctx context.Context, userID schema.UserID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if userID == "" {
		return log
	}
	if current, ok := ctx.Value(userKey).(schema.UserID); ok && current == userID {
		return log
	}
	return log.With("user", userID)
}

// WithApp annotates the logger with app metadata when available.
func WithApp(log pslog.Logger, app schema.MonitoredApp) pslog.Logger {
	if app.TrackID != "" {
		log = log.With("track_id", app.TrackID)
	}
	if app.Name != "" {
		log = log.With("app", app.Name)
	}
	return log
}

// ContextWithUser stores the user marker on the context for log de-duplication.
func ContextWithUser(ctx context.Context, userID schema.UserID) context.Context {
	if ctx == nil || userID == "" {
		return ctx
	}
	return context.WithValue(ctx, userKey, userID)
}

// ContextWithUserLogger attaches a user-annotated logger and the user marker to the context.
func ContextWithUserLogger(ctx context.Context, userID schema.UserID) context.Context {
	log := WithUser(ctx, userID)
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithUser(ctx, userID)
}
