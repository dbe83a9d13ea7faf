package reflection

import (
	"github.com/gostdlib/base/context"

	"github.com/bearlytools/tern/rpc/client"
)

// ListServices returns every service on the server, grouped by package.
func ListServices(ctx context.Context, conn *client.Conn, opts ...client.CallOption) ([]PackageInfo, error) {
	resp, err := client.Unary[ListServicesRequest, ListServicesResponse](ctx, conn, ListServicesDesc, ListServicesRequest{}, opts...)
	if err != nil {
		return nil, err
	}
	return resp.Packages, nil
}

// GetServiceInfo returns the methods of service. found is false if the server has
// no such service.
func GetServiceInfo(ctx context.Context, conn *client.Conn, service string, opts ...client.CallOption) (info ServiceInfo, found bool, err error) {
	resp, err := client.Unary[GetServiceInfoRequest, GetServiceInfoResponse](ctx, conn, GetServiceInfoDesc, GetServiceInfoRequest{Service: service}, opts...)
	if err != nil {
		return ServiceInfo{}, false, err
	}
	return resp.Service, resp.Found, nil
}

// GetMethodInfo returns one method. found is false if the server has no such
// method.
func GetMethodInfo(ctx context.Context, conn *client.Conn, service, method string, opts ...client.CallOption) (info MethodInfo, found bool, err error) {
	resp, err := client.Unary[GetMethodInfoRequest, GetMethodInfoResponse](ctx, conn, GetMethodInfoDesc, GetMethodInfoRequest{Service: service, Method: method}, opts...)
	if err != nil {
		return MethodInfo{}, false, err
	}
	return resp.Method, resp.Found, nil
}
