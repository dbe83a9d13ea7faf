package pool

import (
	"github.com/gostdlib/base/context"

	"github.com/bearlytools/tern/rpc/health"
)

// checkAllHealth probes every ready SubConn. One that does not report SERVING is
// taken out of rotation and reconnects with backoff until it does.
func (p *Pool) checkAllHealth(ctx context.Context) {
	for _, sc := range p.SubConns() {
		if ctx.Err() != nil {
			return
		}
		if sc.State() != StateReady {
			continue
		}
		st, err := sc.CheckHealth(ctx)
		if st == health.Serving {
			continue
		}
		if err == nil {
			err = errNotServing(st)
		}
		sc.fail(ctx, err)
	}
	p.updateReady()
}

type errNotServing health.ServingStatus

func (e errNotServing) Error() string {
	return "pool: health check reported " + health.ServingStatus(e).String()
}
