// Package health provides a health checking service. A Server tracks the serving
// status of each service and answers Check calls with the current status and Watch
// calls with a stream of status changes.
package health

import (
	"github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/context"

	"github.com/bearlytools/tern/rpc/call"
	"github.com/bearlytools/tern/rpc/server"
)

// ServiceName is the service the health methods are registered under.
const ServiceName = "tern.health.v1.Health"

var (
	// CheckDesc describes the unary Check method.
	CheckDesc = call.Descriptor{Service: ServiceName, Method: "Check"}
	// WatchDesc describes the server-streaming Watch method.
	WatchDesc = call.Descriptor{Service: ServiceName, Method: "Watch", ResponseStream: true}
)

// Server implements the health service.
// Use NewServer() to create an instance, then register it with Register().
type Server struct {
	mu       sync.Mutex
	services map[string]ServingStatus
	watchers map[string]map[chan ServingStatus]struct{}
	// While shut down, status updates are ignored.
	shutdown bool
}

// NewServer creates a new health server.
// The overall server health (empty service name) starts as Serving.
func NewServer() *Server {
	return &Server{
		services: map[string]ServingStatus{"": Serving},
		watchers: map[string]map[chan ServingStatus]struct{}{},
	}
}

// SetServingStatus sets the health status for a service.
// Use an empty string to set the overall server health status.
// It has no effect after Shutdown until Resume is called.
func (s *Server) SetServingStatus(service string, status ServingStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return
	}
	s.setLocked(service, status)
}

func (s *Server) setLocked(service string, status ServingStatus) {
	s.services[service] = status
	for ch := range s.watchers[service] {
		// Watchers only need the latest status.
		select {
		case <-ch:
		default:
		}
		ch <- status
	}
}

// ServingStatus returns the health status for a service.
// Returns ServiceUnknown if the service has no status.
func (s *Server) ServingStatus(service string) ServingStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.services[service]; ok {
		return st
	}
	return ServiceUnknown
}

// Shutdown sets every service to NotServing and ignores later updates until
// Resume. Call it when the server starts draining.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.shutdown = true
	for service := range s.services {
		s.setLocked(service, NotServing)
	}
}

// Resume sets every service to Serving and accepts updates again.
func (s *Server) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.shutdown = false
	for service := range s.services {
		s.setLocked(service, Serving)
	}
}

func (s *Server) watch(service string) (chan ServingStatus, func()) {
	ch := make(chan ServingStatus, 1)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watchers[service] == nil {
		s.watchers[service] = map[chan ServingStatus]struct{}{}
	}
	s.watchers[service][ch] = struct{}{}
	if st, ok := s.services[service]; ok {
		ch <- st
	} else {
		ch <- ServiceUnknown
	}

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers[service], ch)
		if len(s.watchers[service]) == 0 {
			delete(s.watchers, service)
		}
	}
}

// Check answers with the current status of the requested service.
func (s *Server) Check(ctx context.Context, req CheckRequest) (CheckResponse, error) {
	return CheckResponse{Status: s.ServingStatus(req.Service)}, nil
}

// Watch sends the current status of the requested service and then every change
// until the caller goes away. A service without a status is reported as
// ServiceUnknown and may gain one later.
func (s *Server) Watch(ctx context.Context, req CheckRequest, out *server.Sender[CheckResponse]) error {
	ch, stop := s.watch(req.Service)
	defer stop()

	last := Unknown
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st := <-ch:
			if st == last {
				continue
			}
			last = st
			if err := out.Send(CheckResponse{Status: st}); err != nil {
				return err
			}
		}
	}
}

// Register registers Check and Watch with srv.
//
// Example usage:
//
//	srv := server.New()
//	healthSvc := health.NewServer()
//	health.Register(srv, healthSvc)
//	healthSvc.SetServingStatus("myservice", health.Serving)
func Register(srv *server.Server, h *Server) error {
	if err := srv.Register(CheckDesc, server.Unary[CheckRequest, CheckResponse](h.Check)); err != nil {
		return err
	}
	return srv.Register(WatchDesc, server.ServerStream[CheckRequest, CheckResponse](h.Watch))
}

// Enable is a convenience function that creates a health server and registers it.
// Returns the health.Server so you can update service status.
func Enable(srv *server.Server) (*Server, error) {
	h := NewServer()
	if err := Register(srv, h); err != nil {
		return nil, err
	}
	return h, nil
}
