package reflection

import "github.com/bearlytools/tern/rpc/call"

// ServiceName is the service the reflection methods are registered under.
const ServiceName = "tern.reflection.v1.Reflection"

var (
	ListServicesDesc   = call.Descriptor{Service: ServiceName, Method: "ListServices"}
	GetServiceInfoDesc = call.Descriptor{Service: ServiceName, Method: "GetServiceInfo"}
	GetMethodInfoDesc  = call.Descriptor{Service: ServiceName, Method: "GetMethodInfo"}
)

// MethodInfo describes one method.
type MethodInfo struct {
	Name string `json:"name"`
	// Kind is the call shape: "unary", "client_stream", "server_stream" or
	// "bidi_stream".
	Kind           string `json:"kind"`
	RequestStream  bool   `json:"request_stream,omitempty"`
	ResponseStream bool   `json:"response_stream,omitempty"`
}

func methodInfo(d call.Descriptor) MethodInfo {
	return MethodInfo{
		Name:           d.Method,
		Kind:           d.Kind().String(),
		RequestStream:  d.RequestStream,
		ResponseStream: d.ResponseStream,
	}
}

// ServiceInfo describes a service and its methods, sorted by name.
type ServiceInfo struct {
	// Name is the full service name, such as "tern.echo.Echo".
	Name    string       `json:"name"`
	Methods []MethodInfo `json:"methods"`
}

// PackageInfo groups the services that share a package, the part of the service
// name before its last dot.
type PackageInfo struct {
	Name     string        `json:"name"`
	Services []ServiceInfo `json:"services"`
}

type ListServicesRequest struct{}

type ListServicesResponse struct {
	Packages []PackageInfo `json:"packages"`
}

type GetServiceInfoRequest struct {
	Service string `json:"service"`
}

type GetServiceInfoResponse struct {
	Found   bool        `json:"found"`
	Service ServiceInfo `json:"service"`
}

type GetMethodInfoRequest struct {
	Service string `json:"service"`
	Method  string `json:"method"`
}

type GetMethodInfoResponse struct {
	Found  bool       `json:"found"`
	Method MethodInfo `json:"method"`
}
