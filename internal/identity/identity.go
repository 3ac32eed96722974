// Package identity resolves the acting operator of a request.
//
// docflow does not issue identities. A trusted gateway in front of the
// server (or the CLI, via --actor) sets the actor headers; the review lease
// only compares the resulting ids.
package identity

import (
	"context"
	"net/http"
	"strings"

	"github.com/jackzampolin/docflow/internal/record"
)

const (
	// HeaderActor carries the actor id.
	HeaderActor = "X-Docflow-Actor"
	// HeaderActorEmail carries the actor's contact address.
	HeaderActorEmail = "X-Docflow-Actor-Email"
)

// FromRequest returns the actor named by the request headers. The zero
// Actor is returned when no identity was supplied.
func FromRequest(r *http.Request) record.Actor {
	return record.Actor{
		ID:    strings.TrimSpace(r.Header.Get(HeaderActor)),
		Email: strings.TrimSpace(r.Header.Get(HeaderActorEmail)),
	}
}

// Apply sets the actor headers on an outgoing request. Empty fields are
// left unset.
func Apply(req *http.Request, actor record.Actor) {
	if actor.ID != "" {
		req.Header.Set(HeaderActor, actor.ID)
	}
	if actor.Email != "" {
		req.Header.Set(HeaderActorEmail, actor.Email)
	}
}

type actorKey struct{}

// WithActor returns a context carrying actor.
func WithActor(ctx context.Context, actor record.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom extracts the actor stored by WithActor.
func ActorFrom(ctx context.Context) record.Actor {
	a, _ := ctx.Value(actorKey{}).(record.Actor)
	return a
}

// Middleware resolves the actor once per request and stores it in the
// request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := WithActor(r.Context(), FromRequest(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
