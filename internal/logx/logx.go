package logx

import (
	"context"

	"pkt.systems/pslog"
	"pkt.systems/statusdesk/schema"
)

type contextKey int

const (
	tabKey contextKey = iota
	originKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	if ctx == nil {
		ctx = context.Background()
	}
	return pslog.Ctx(ctx)
}

// Or returns log when set, otherwise the logger bound to ctx.
func Or(log pslog.Logger, ctx context.Context) pslog.Logger {
	if log != nil {
		return log
	}
	return Ctx(ctx)
}

// WithUser annotates a logger with the cached identity, when present.
func WithUser(log pslog.Logger, user *schema.UserCacheRecord) pslog.Logger {
	if log == nil || user == nil {
		return log
	}
	if user.ID != "" {
		log = log.With("user", user.ID)
	}
	return log
}

// ContextWithTabLogger attaches a tab-annotated logger and marker to the context.
func ContextWithTabLogger(ctx context.Context, origin string, tabID schema.TabID) context.Context {
	log := Ctx(ctx)
	if origin != "" {
		if current, ok := ctx.Value(originKey).(string); !ok || current != origin {
			log = log.With("origin", origin)
			ctx = context.WithValue(ctx, originKey, origin)
		}
	}
	if tabID != "" {
		if current, ok := ctx.Value(tabKey).(schema.TabID); !ok || current != tabID {
			log = log.With("tab", tabID)
			ctx = context.WithValue(ctx, tabKey, tabID)
		}
	}
	return pslog.ContextWithLogger(ctx, log)
}
