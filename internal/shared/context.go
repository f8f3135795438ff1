package shared

import "context"

type userContextKey struct{}

// ContextWithUserID stores the authenticated user id in context.
func ContextWithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userContextKey{}, userID)
}

// UserIDFromContext extracts the authenticated user id. Zero means anonymous.
func UserIDFromContext(ctx context.Context) int64 {
	id, _ := ctx.Value(userContextKey{}).(int64)
	return id
}
