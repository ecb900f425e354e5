package utils

import (
	"context"

	"github.com/mmdatafocus/panel_ledger/appctx"
)

var (
	ContextKeyActor          = appctx.ContextKeyActor
	ContextKeyCorrelationId  = appctx.ContextKeyCorrelationId
	ContextKeyForceRecompute = appctx.ContextKeyForceRecompute
)

const SystemActor = "system"

func GetActorFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyActor)
}

// ActorOrSystem is the actor recorded on events and audit entries.
func ActorOrSystem(ctx context.Context) string {
	if v, ok := GetActorFromContext(ctx); ok && v != "" {
		return v
	}
	return SystemActor
}

func SetActorInContext(ctx context.Context, actor string) context.Context {
	return appctx.Set(ctx, ContextKeyActor, actor)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

// WithForceRecompute lifts the closed-ledger guard for statements run with the returned context.
func WithForceRecompute(ctx context.Context) context.Context {
	return appctx.Set(ctx, ContextKeyForceRecompute, true)
}
