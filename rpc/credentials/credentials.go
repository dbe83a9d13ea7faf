// Package credentials attaches per-call credentials to RPC metadata.
package credentials

import (
	"github.com/gostdlib/base/context"

	"github.com/bearlytools/tern/rpc/call"
	"github.com/bearlytools/tern/rpc/errors"
	"github.com/bearlytools/tern/rpc/interceptor"
	"github.com/bearlytools/tern/rpc/metadata"
	"github.com/bearlytools/tern/rpc/status"
)

// PerCall provides the metadata to attach to a call.
type PerCall interface {
	// Metadata returns the entries to attach to the call at path.
	Metadata(ctx context.Context, path string) (*metadata.MD, error)
}

// Token attaches a static token as the "authorization" entry.
type Token struct {
	value string
}

// NewToken creates credentials that attach a static token to each call.
// The tokenType is typically "Bearer" for bearer tokens.
// Example: NewToken("Bearer", "my-secret-token")
func NewToken(tokenType, token string) *Token {
	return &Token{value: authValue(tokenType, token)}
}

// Metadata implements PerCall.
func (t *Token) Metadata(ctx context.Context, path string) (*metadata.MD, error) {
	return metadata.New("authorization", t.value), nil
}

// TokenSource provides tokens dynamically.
// Implementations can refresh tokens, fetch from a secrets manager, etc.
type TokenSource interface {
	// Token returns the current token and any error.
	// This may be called for each RPC, so implementations should cache
	// tokens appropriately.
	Token(ctx context.Context) (string, error)
}

// TokenSourceFunc adapts a function to TokenSource.
type TokenSourceFunc func(ctx context.Context) (string, error)

// Token implements TokenSource.
func (f TokenSourceFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// Source attaches a token fetched from a TokenSource on every call.
type Source struct {
	source    TokenSource
	tokenType string
}

// NewSource creates credentials that fetch tokens dynamically.
// The tokenType is prepended to the token (e.g., "Bearer").
func NewSource(tokenType string, source TokenSource) *Source {
	return &Source{source: source, tokenType: tokenType}
}

// Metadata implements PerCall.
func (s *Source) Metadata(ctx context.Context, path string) (*metadata.MD, error) {
	token, err := s.source.Token(ctx)
	if err != nil {
		return nil, err
	}
	return metadata.New("authorization", authValue(s.tokenType, token)), nil
}

// APIKey attaches an API key under a custom metadata key.
type APIKey struct {
	key   string
	value string
}

// NewAPIKey creates credentials that attach an API key.
// key is the metadata key (e.g., "x-api-key", "api-key").
func NewAPIKey(key, apiKey string) *APIKey {
	return &APIKey{key: key, value: apiKey}
}

// Metadata implements PerCall.
func (a *APIKey) Metadata(ctx context.Context, path string) (*metadata.MD, error) {
	return metadata.New(a.key, a.value), nil
}

// Composite combines multiple credentials. Later credentials replace the entries of
// earlier ones with the same key.
type Composite struct {
	creds []PerCall
}

// NewComposite creates credentials that combine multiple sources.
func NewComposite(creds ...PerCall) *Composite {
	return &Composite{creds: creds}
}

// Metadata implements PerCall.
func (c *Composite) Metadata(ctx context.Context, path string) (*metadata.MD, error) {
	result := metadata.New()
	for _, cred := range c.creds {
		md, err := cred.Metadata(ctx, path)
		if err != nil {
			return nil, err
		}
		result.Merge(md)
	}
	return result, nil
}

func authValue(tokenType, token string) string {
	if tokenType == "" {
		return token
	}
	return tokenType + " " + token
}

// ClientInterceptor returns a client interceptor that merges the metadata of creds
// into every call. A failure to obtain credentials ends the call with UNAUTHENTICATED
// before it reaches the transport.
func ClientInterceptor(creds PerCall) interceptor.ClientInterceptor {
	return func(ctx context.Context, info *call.Call, streamer interceptor.Streamer) (interceptor.ClientStream, error) {
		// A later attempt of the same call already carries the entries.
		if info.Sealed() {
			return streamer(ctx)
		}
		md, err := creds.Metadata(ctx, info.Path())
		if err != nil {
			return nil, errors.NewClientError(info.Path(), status.Unauthenticated, "credentials: "+err.Error())
		}
		info.Metadata().Merge(md)
		return streamer(ctx)
	}
}
