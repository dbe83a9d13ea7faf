package health

import "fmt"

// ServingStatus is the health of a service.
type ServingStatus int8

const (
	// Unknown is the zero value. A server never reports it for a known service.
	Unknown ServingStatus = iota
	// Serving means the service accepts calls.
	Serving
	// NotServing means the service is up but refusing calls, such as while draining.
	NotServing
	// ServiceUnknown means the server has no health status for the service.
	ServiceUnknown
)

var statusNames = map[ServingStatus]string{
	Unknown:        "UNKNOWN",
	Serving:        "SERVING",
	NotServing:     "NOT_SERVING",
	ServiceUnknown: "SERVICE_UNKNOWN",
}

func (s ServingStatus) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("ServingStatus(%d)", int8(s))
}

// MarshalText implements encoding.TextMarshaler so statuses travel by name.
func (s ServingStatus) MarshalText() ([]byte, error) {
	n, ok := statusNames[s]
	if !ok {
		return nil, fmt.Errorf("health: invalid status %d", int8(s))
	}
	return []byte(n), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ServingStatus) UnmarshalText(b []byte) error {
	for st, n := range statusNames {
		if n == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("health: unknown status %q", b)
}

// CheckRequest asks for the health of Service. An empty Service asks for the
// health of the server as a whole.
type CheckRequest struct {
	Service string `json:"service"`
}

// CheckResponse carries a service's health.
type CheckResponse struct {
	Status ServingStatus `json:"status"`
}
