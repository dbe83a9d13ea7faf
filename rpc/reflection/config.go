// Package reflection provides a service that lets callers discover the services
// and methods registered on a server.
//
// Access is restricted by IP (CIDR ranges) and/or token validation. Both must pass
// if configured.
//
// # Basic Usage
//
// Enable reflection on a server with IP restrictions only:
//
//	srv := server.New()
//	srv.MustRegister(getUserDesc, getUser)
//
//	reflectionSrv, err := reflection.Enable(srv, reflection.Config{
//	    AllowedCIDRs: []string{"10.0.0.0/8", "192.168.0.0/16"},
//	})
//
// # Token Validation
//
// A TokenValidator receives the raw value of the configured metadata key (default:
// "authorization"):
//
//	config := reflection.Config{
//	    AllowedCIDRs:   []string{"10.0.0.0/8"},
//	    TokenValidator: reflection.StaticToken("Bearer " + os.Getenv("REFLECTION_TOKEN")),
//	}
//
// JWTs, secret stores and HMAC signatures plug in the same way through a custom
// TokenValidator.
//
// # Client Usage
//
//	packages, err := reflection.ListServices(ctx, conn)
//	for _, pkg := range packages {
//	    fmt.Printf("Package: %s\n", pkg.Name)
//	    for _, svc := range pkg.Services {
//	        fmt.Printf("  Service: %s\n", svc.Name)
//	    }
//	}
package reflection

import (
	"crypto/subtle"
	"fmt"
	"net"

	"github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/context"

	"github.com/bearlytools/tern/rpc/errors"
)

// TokenValidator validates an auth token from the call metadata.
// It receives the context and the raw token value from the AuthHeader.
// Return nil if the token is valid, or an error describing why it's invalid.
//
// Compare secrets with crypto/subtle.ConstantTimeCompare.
type TokenValidator func(ctx context.Context, token string) error

// StaticToken returns a TokenValidator that accepts exactly want.
func StaticToken(want string) TokenValidator {
	return func(ctx context.Context, token string) error {
		if subtle.ConstantTimeCompare([]byte(token), []byte(want)) != 1 {
			return errors.New("token mismatch")
		}
		return nil
	}
}

// Config contains configuration for the reflection service access control.
// Both IP restrictions AND auth validation are checked.
type Config struct {
	// AllowedCIDRs is a list of CIDR ranges that are allowed to access reflection.
	// Examples: "10.0.0.0/8", "192.168.0.0/16", "127.0.0.1/32"
	// If empty, all IPs are allowed (only auth restriction applies).
	AllowedCIDRs []string

	// AuthHeader is the metadata key name for the auth token.
	// Default is "authorization" if not specified.
	AuthHeader string

	// TokenValidator is called to validate tokens from the AuthHeader.
	// If nil, no auth validation is performed (only IP restriction applies).
	TokenValidator TokenValidator

	parsedCIDRs []*net.IPNet
	mu          sync.RWMutex
}

// Validate validates the configuration and parses CIDRs.
// Must be called before using the config.
func (c *Config) Validate() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.parsedCIDRs = make([]*net.IPNet, 0, len(c.AllowedCIDRs))
	for _, cidr := range c.AllowedCIDRs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return fmt.Errorf("invalid CIDR %q: %w", cidr, err)
		}
		c.parsedCIDRs = append(c.parsedCIDRs, ipNet)
	}

	if c.AuthHeader == "" {
		c.AuthHeader = "authorization"
	}
	return nil
}

// IsIPAllowed checks if the given IP is allowed by the CIDR restrictions.
// Returns true if no CIDR restrictions are configured (AllowedCIDRs is empty).
func (c *Config) IsIPAllowed(ip net.IP) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.parsedCIDRs) == 0 {
		return true
	}
	for _, ipNet := range c.parsedCIDRs {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// ValidateToken validates the token using the configured TokenValidator.
// Returns nil if no TokenValidator is configured (auth not required).
func (c *Config) ValidateToken(ctx context.Context, token string) error {
	c.mu.RLock()
	validator := c.TokenValidator
	c.mu.RUnlock()

	if validator == nil {
		return nil
	}
	return validator(ctx, token)
}
