package reflection

import (
	"net"
	"slices"
	"strings"

	"github.com/gostdlib/base/context"

	rpcctx "github.com/bearlytools/tern/rpc/context"
	"github.com/bearlytools/tern/rpc/errors"
	"github.com/bearlytools/tern/rpc/metadata"
	"github.com/bearlytools/tern/rpc/server"
	"github.com/bearlytools/tern/rpc/status"
)

// Common errors.
var (
	ErrIPNotAllowed = errors.New("IP address not allowed")
	ErrInvalidToken = errors.New("invalid or missing auth token")
)

// Server implements the reflection service.
type Server struct {
	registry *server.Registry
	config   *Config
}

// NewServer creates a new reflection server over registry.
// The config is validated during creation; returns an error if invalid.
func NewServer(registry *server.Registry, config *Config) (*Server, error) {
	if config == nil {
		config = &Config{}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Server{registry: registry, config: config}, nil
}

// checkAccess verifies that the call is allowed based on IP and auth token.
func (s *Server) checkAccess(ctx context.Context) error {
	if remoteAddr := rpcctx.RemoteAddr(ctx); remoteAddr != nil {
		if ip := extractIP(remoteAddr); ip != nil && !s.config.IsIPAllowed(ip) {
			return errors.NewServerError(status.PermissionDenied, ErrIPNotAllowed.Error())
		}
	}

	if s.config.TokenValidator != nil {
		token := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			token = md.Get(s.config.AuthHeader)
		}
		if err := s.config.ValidateToken(ctx, token); err != nil {
			return errors.NewServerError(status.Unauthenticated, ErrInvalidToken.Error())
		}
	}
	return nil
}

// extractIP extracts the IP from a net.Addr.
func extractIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	case *net.IPAddr:
		return a.IP
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return net.ParseIP(addr.String())
	}
	return net.ParseIP(host)
}

// packageOf returns the part of service before its last dot, or "" if it has none.
func packageOf(service string) string {
	if i := strings.LastIndexByte(service, '.'); i > 0 {
		return service[:i]
	}
	return ""
}

// services returns every registered service with its methods. The registry sorts
// by path, so services and methods come out sorted.
func (s *Server) services() []ServiceInfo {
	var out []ServiceInfo
	for _, d := range s.registry.Methods() {
		if len(out) == 0 || out[len(out)-1].Name != d.Service {
			out = append(out, ServiceInfo{Name: d.Service})
		}
		last := &out[len(out)-1]
		last.Methods = append(last.Methods, methodInfo(d))
	}
	return out
}

// ListServices returns every registered service grouped by package.
func (s *Server) ListServices(ctx context.Context, req ListServicesRequest) (ListServicesResponse, error) {
	if err := s.checkAccess(ctx); err != nil {
		return ListServicesResponse{}, err
	}

	byName := map[string]int{}
	var resp ListServicesResponse
	for _, svc := range s.services() {
		pkg := packageOf(svc.Name)
		i, ok := byName[pkg]
		if !ok {
			i = len(resp.Packages)
			byName[pkg] = i
			resp.Packages = append(resp.Packages, PackageInfo{Name: pkg})
		}
		resp.Packages[i].Services = append(resp.Packages[i].Services, svc)
	}
	slices.SortFunc(resp.Packages, func(a, b PackageInfo) int { return strings.Compare(a.Name, b.Name) })
	return resp, nil
}

// GetServiceInfo returns the methods of one service.
func (s *Server) GetServiceInfo(ctx context.Context, req GetServiceInfoRequest) (GetServiceInfoResponse, error) {
	if err := s.checkAccess(ctx); err != nil {
		return GetServiceInfoResponse{}, err
	}

	for _, svc := range s.services() {
		if svc.Name == req.Service {
			return GetServiceInfoResponse{Found: true, Service: svc}, nil
		}
	}
	return GetServiceInfoResponse{}, nil
}

// GetMethodInfo returns one method.
func (s *Server) GetMethodInfo(ctx context.Context, req GetMethodInfoRequest) (GetMethodInfoResponse, error) {
	if err := s.checkAccess(ctx); err != nil {
		return GetMethodInfoResponse{}, err
	}

	d, _, ok := s.registry.Lookup("/" + req.Service + "/" + req.Method)
	if !ok {
		return GetMethodInfoResponse{}, nil
	}
	return GetMethodInfoResponse{Found: true, Method: methodInfo(d)}, nil
}

// Register registers all reflection methods with srv.
func Register(srv *server.Server, reflectionSrv *Server) error {
	if err := srv.Register(ListServicesDesc, server.Unary[ListServicesRequest, ListServicesResponse](reflectionSrv.ListServices)); err != nil {
		return err
	}
	if err := srv.Register(GetServiceInfoDesc, server.Unary[GetServiceInfoRequest, GetServiceInfoResponse](reflectionSrv.GetServiceInfo)); err != nil {
		return err
	}
	return srv.Register(GetMethodInfoDesc, server.Unary[GetMethodInfoRequest, GetMethodInfoResponse](reflectionSrv.GetMethodInfo))
}

// Enable is a convenience function that creates a reflection server over srv's
// registry and registers it. The reflection methods list themselves.
func Enable(srv *server.Server, config *Config) (*Server, error) {
	reflectionSrv, err := NewServer(srv.Registry(), config)
	if err != nil {
		return nil, err
	}
	if err := Register(srv, reflectionSrv); err != nil {
		return nil, err
	}
	return reflectionSrv, nil
}
