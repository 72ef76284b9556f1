// Package auth resolves the caller's verified identity from bearer tokens on
// HTTP and gRPC requests and carries it in the request context.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	// AuthorizationHeader is the HTTP header and gRPC metadata key carrying the token
	AuthorizationHeader = "authorization"

	identityContextKey contextKey = "identity"
)

// WithIdentity returns a copy of ctx carrying identity
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext extracts the caller identity from context
func IdentityFromContext(ctx context.Context) (string, bool) {
	identity, ok := ctx.Value(identityContextKey).(string)
	if !ok || strings.TrimSpace(identity) == "" {
		return "", false
	}
	return identity, true
}

// RequireIdentity returns the caller identity or an Unauthenticated status error
func RequireIdentity(ctx context.Context) (string, error) {
	identity, ok := IdentityFromContext(ctx)
	if !ok {
		return "", status.Error(codes.Unauthenticated, "missing identity")
	}
	return identity, nil
}

// HTTPMiddleware rejects requests without a valid bearer token and stores the
// identity in the request context.
func (m *JWTManager) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := bearerToken(r.Header.Get(AuthorizationHeader))
		if err == nil {
			var identity string
			identity, err = m.Identity(token)
			if err == nil {
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("WWW-Authenticate", "Bearer")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
	})
}

// Interceptor provides gRPC interceptors for bearer token validation
type Interceptor struct {
	jwt         *JWTManager
	skipMethods map[string]bool
}

// NewInterceptor creates a new token interceptor
func NewInterceptor(manager *JWTManager) *Interceptor {
	return &Interceptor{
		jwt: manager,
		skipMethods: map[string]bool{
			// Health check endpoints
			"/grpc.health.v1.Health/Check": true,
			"/grpc.health.v1.Health/Watch": true,
		},
	}
}

// WithSkipMethods adds methods to skip authentication
func (i *Interceptor) WithSkipMethods(methods ...string) *Interceptor {
	for _, method := range methods {
		i.skipMethods[method] = true
	}
	return i
}

func (i *Interceptor) skip(method string) bool {
	return i.skipMethods[method] || strings.HasPrefix(method, "/grpc.reflection.")
}

// UnaryInterceptor returns a gRPC unary interceptor for token validation
func (i *Interceptor) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if i.skip(info.FullMethod) {
			return handler(ctx, req)
		}

		ctx, err := i.authenticate(ctx)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamInterceptor returns a gRPC stream interceptor for token validation
func (i *Interceptor) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		if i.skip(info.FullMethod) {
			return handler(srv, ss)
		}

		ctx, err := i.authenticate(ss.Context())
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
	}
}

func (i *Interceptor) authenticate(ctx context.Context) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}

	values := md.Get(AuthorizationHeader)
	if len(values) == 0 {
		return nil, status.Error(codes.Unauthenticated, "missing bearer token")
	}

	token, err := bearerToken(values[0])
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}

	identity, err := i.jwt.Identity(token)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}
	return WithIdentity(ctx, identity), nil
}

// wrappedServerStream wraps a grpc.ServerStream with a modified context
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

var errMissingBearer = errors.New("missing bearer token")

func bearerToken(header string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", errMissingBearer
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errMissingBearer
	}
	return token, nil
}
