package resolver

import (
	"strings"

	"github.com/bearlytools/tern/rpc/errors"
)

// DefaultScheme handles targets that have no scheme.
const DefaultScheme = "passthrough"

// Parse splits target into its parts. Targets without "://" are bare addresses for
// the DefaultScheme:
//
//	dns:///echo.internal:8080         {dns, "", echo.internal:8080}
//	dns://10.0.0.2:53/echo.internal   {dns, 10.0.0.2:53, echo.internal}
//	localhost:8080                    {passthrough, "", localhost:8080}
//	/run/echo.sock                    {passthrough, "", /run/echo.sock}
func Parse(target string) (Target, error) {
	if target == "" {
		return Target{}, errors.New("resolver: empty target")
	}

	scheme, rest, ok := strings.Cut(target, "://")
	if !ok {
		return Target{Scheme: DefaultScheme, Endpoint: target}, nil
	}
	scheme = strings.ToLower(scheme)
	if scheme == "" {
		return Target{}, errors.New("resolver: empty scheme in " + target)
	}

	authority, endpoint, ok := strings.Cut(rest, "/")
	if !ok {
		return Target{}, errors.New("resolver: missing endpoint in " + target)
	}
	if endpoint == "" {
		return Target{}, errors.New("resolver: empty endpoint in " + target)
	}
	return Target{Scheme: scheme, Authority: authority, Endpoint: endpoint}, nil
}

// String formats t as a target string.
func (t Target) String() string {
	return t.Scheme + "://" + t.Authority + "/" + t.Endpoint
}
