package services

import "context"

type callerKey struct{}

// WithCaller attaches the authenticated user id to ctx.
func WithCaller(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, callerKey{}, userID)
}

func CallerFrom(ctx context.Context) string {
	userID, _ := ctx.Value(callerKey{}).(string)
	return userID
}

// authorize checks that ctx carries the owner of userID's record.
func authorize(ctx context.Context, userID string) error {
	caller := CallerFrom(ctx)
	if caller == "" || userID == "" || caller != userID {
		return ErrUnauthenticated
	}
	return nil
}
