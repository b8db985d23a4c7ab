// Package staffctx carries the authenticated staff member through a request
// context. Authentication itself is an external collaborator; handlers stamp
// the id when the upstream proxy supplies one.
package staffctx

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type practitionerKey struct{}

// WithPractitioner stamps the acting staff user onto the context.
func WithPractitioner(ctx context.Context, id snowflake.ID) context.Context {
	return context.WithValue(ctx, practitionerKey{}, id)
}

// PractitionerFrom resolves the acting staff user, zero when absent.
func PractitionerFrom(ctx context.Context) snowflake.ID {
	if id, ok := ctx.Value(practitionerKey{}).(snowflake.ID); ok {
		return id
	}
	return 0
}
