// Package passthrough resolves a target to the addresses written in it. It handles
// targets without a scheme. A comma separated endpoint yields one address per
// element:
//
//	passthrough:///10.0.0.1:8080,10.0.0.2:8080
package passthrough

import (
	"fmt"
	"strings"

	"github.com/bearlytools/tern/rpc/transport/resolver"
)

func init() {
	resolver.Register(builder{})
}

type builder struct{}

func (builder) Scheme() string { return resolver.DefaultScheme }

func (builder) Build(target resolver.Target, opts resolver.BuildOptions) (resolver.Resolver, error) {
	var addrs []string
	for a := range strings.SplitSeq(target.Endpoint, ",") {
		a = strings.TrimSpace(a)
		if a == "" {
			return nil, fmt.Errorf("passthrough: empty address in %q", target.Endpoint)
		}
		addrs = append(addrs, a)
	}
	return resolver.NewStatic(addrs...), nil
}
