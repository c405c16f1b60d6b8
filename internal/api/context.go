package api

import (
	"context"

	"github.com/terra-clan/assessment-engine/internal/models"
)

type clientKey struct{}

// ClientFromContext returns the authenticated client, or nil
func ClientFromContext(ctx context.Context) *models.ApiClient {
	client, _ := ctx.Value(clientKey{}).(*models.ApiClient)
	return client
}

// ContextWithClient adds ApiClient to context
func ContextWithClient(ctx context.Context, client *models.ApiClient) context.Context {
	return context.WithValue(ctx, clientKey{}, client)
}

// actor names the caller in audit fields such as created_by.
func actor(ctx context.Context) string {
	if client := ClientFromContext(ctx); client != nil {
		return client.Name
	}
	return ""
}
