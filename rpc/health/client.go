package health

import (
	"iter"

	"github.com/gostdlib/base/context"

	"github.com/bearlytools/tern/rpc/client"
)

// Check performs a health check on the server.
// Use an empty string to check the overall server health.
func Check(ctx context.Context, conn *client.Conn, service string) (ServingStatus, error) {
	resp, err := client.Unary[CheckRequest, CheckResponse](ctx, conn, CheckDesc, CheckRequest{Service: service})
	if err != nil {
		return Unknown, err
	}
	return resp.Status, nil
}

// Watch yields the status of service each time it changes, starting with the
// current one. The sequence ends when ctx ends or the call fails.
func Watch(ctx context.Context, conn *client.Conn, service string) iter.Seq2[ServingStatus, error] {
	return func(yield func(ServingStatus, error) bool) {
		for resp, err := range client.ServerStreaming[CheckRequest, CheckResponse](ctx, conn, WatchDesc, CheckRequest{Service: service}) {
			if !yield(resp.Status, err) || err != nil {
				return
			}
		}
	}
}
