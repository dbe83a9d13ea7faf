// Package validate provides interceptors that validate the messages of a call.
//
// A message is validated by the validator registered for its method, if any, and
// then by its own Validate method if it implements Validatable. Registry keys are
// method names in the form "<service>/<method>".
//
// Example usage:
//
//	registry := validate.NewRegistry().
//	    RegisterRequestFunc("users.UserService/Create", func(ctx context.Context, m any) error {
//	        req := m.(*CreateUserRequest)
//	        if req.Name == "" {
//	            return validate.NewFieldError("name", "must not be empty")
//	        }
//	        return nil
//	    })
//
//	srv := server.New(server.WithInterceptors(validate.ServerInterceptor(registry)))
package validate

import (
	"fmt"
	"reflect"

	"github.com/gostdlib/base/context"

	"github.com/bearlytools/tern/rpc/call"
	"github.com/bearlytools/tern/rpc/errors"
	"github.com/bearlytools/tern/rpc/interceptor"
	"github.com/bearlytools/tern/rpc/status"
)

// ErrValidation is the cause of a ValidationError that has no other cause.
var ErrValidation = errors.New("validation error")

// ValidationError wraps a validation failure with details about what failed.
type ValidationError struct {
	// Field is the name of the field that failed validation (optional).
	Field string
	// Message describes why validation failed.
	Message string
	// Cause is the underlying error if any.
	Cause error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: field %q: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return ErrValidation
}

// NewValidationError creates a new validation error.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{Message: message}
}

// NewFieldError creates a validation error for a specific field.
func NewFieldError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// Validatable is implemented by messages that can check themselves.
type Validatable interface {
	Validate() error
}

// Validator validates a message. m is what was passed to SendMsg or RecvMsg: a
// value when sending and a pointer when receiving. Implementations must be safe
// for concurrent use.
type Validator interface {
	Validate(ctx context.Context, m any) error
}

// ValidatorFunc is a function adapter for Validator.
type ValidatorFunc func(ctx context.Context, m any) error

func (f ValidatorFunc) Validate(ctx context.Context, m any) error {
	return f(ctx, m)
}

// Registry holds validators for different methods. Register everything before the
// registry is handed to an interceptor; lookups are not synchronized with
// registration.
type Registry struct {
	requestValidators  map[string]Validator
	responseValidators map[string]Validator
}

// NewRegistry creates a new validator registry.
func NewRegistry() *Registry {
	return &Registry{
		requestValidators:  make(map[string]Validator),
		responseValidators: make(map[string]Validator),
	}
}

// RegisterRequest registers a validator for the requests of the method name
// ("<service>/<method>").
func (r *Registry) RegisterRequest(name string, v Validator) *Registry {
	r.requestValidators[name] = v
	return r
}

// RegisterResponse registers a validator for the responses of the method name.
func (r *Registry) RegisterResponse(name string, v Validator) *Registry {
	r.responseValidators[name] = v
	return r
}

// RegisterRequestFunc registers a function as a request validator.
func (r *Registry) RegisterRequestFunc(name string, f func(ctx context.Context, m any) error) *Registry {
	return r.RegisterRequest(name, ValidatorFunc(f))
}

// RegisterResponseFunc registers a function as a response validator.
func (r *Registry) RegisterResponseFunc(name string, f func(ctx context.Context, m any) error) *Registry {
	return r.RegisterResponse(name, ValidatorFunc(f))
}

// RequestValidator returns the request validator for desc, if any.
func (r *Registry) RequestValidator(desc call.Descriptor) (Validator, bool) {
	if r == nil {
		return nil, false
	}
	v, ok := r.requestValidators[desc.Name()]
	return v, ok
}

// ResponseValidator returns the response validator for desc, if any.
func (r *Registry) ResponseValidator(desc call.Descriptor) (Validator, bool) {
	if r == nil {
		return nil, false
	}
	v, ok := r.responseValidators[desc.Name()]
	return v, ok
}

// check runs v, if set, and then m's own Validate.
func check(ctx context.Context, v Validator, m any) error {
	if v != nil {
		if err := v.Validate(ctx, m); err != nil {
			return err
		}
	}
	if self, ok := asValidatable(m); ok {
		return self.Validate()
	}
	return nil
}

// asValidatable finds a Validate method on m, *m, or &m.
func asValidatable(m any) (Validatable, bool) {
	if v, ok := m.(Validatable); ok {
		return v, true
	}
	rv := reflect.ValueOf(m)
	switch {
	case !rv.IsValid():
		return nil, false
	case rv.Kind() == reflect.Pointer:
		if rv.IsNil() {
			return nil, false
		}
		v, ok := rv.Elem().Interface().(Validatable)
		return v, ok
	}
	p := reflect.New(rv.Type())
	p.Elem().Set(rv)
	v, ok := p.Interface().(Validatable)
	return v, ok
}

// ServerInterceptor returns a server interceptor that validates each request after
// it is decoded and each response before it is sent. An invalid request ends the
// call with INVALID_ARGUMENT, an invalid response with INTERNAL. reg may be nil, in
// which case only self-validating messages are checked.
func ServerInterceptor(reg *Registry) interceptor.ServerInterceptor {
	return func(ctx context.Context, stream interceptor.ServerStream, info *call.Call, handler interceptor.Handler) error {
		desc := info.Descriptor()
		s := &serverStream{ServerStream: stream, ctx: ctx}
		s.req, _ = reg.RequestValidator(desc)
		s.resp, _ = reg.ResponseValidator(desc)
		return handler(ctx, s)
	}
}

type serverStream struct {
	interceptor.ServerStream
	ctx       context.Context
	req, resp Validator
}

func (s *serverStream) RecvMsg(m any) error {
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return err
	}
	if err := check(s.ctx, s.req, m); err != nil {
		return errors.Errorf(status.InvalidArgument, "invalid request: %v", err)
	}
	return nil
}

func (s *serverStream) SendMsg(m any) error {
	if err := check(s.ctx, s.resp, m); err != nil {
		return errors.Errorf(status.Internal, "invalid response: %v", err)
	}
	return s.ServerStream.SendMsg(m)
}

// ClientInterceptor returns a client interceptor that validates each request before
// it is sent and each response after it is received. An invalid request is not sent
// and fails with INVALID_ARGUMENT; an invalid response cancels the call and fails
// with INTERNAL.
func ClientInterceptor(reg *Registry) interceptor.ClientInterceptor {
	return func(ctx context.Context, info *call.Call, streamer interceptor.Streamer) (interceptor.ClientStream, error) {
		cs, err := streamer(ctx)
		if err != nil {
			return nil, err
		}
		desc := info.Descriptor()
		s := &clientStream{ClientStream: cs, ctx: ctx, path: info.Path()}
		s.req, _ = reg.RequestValidator(desc)
		s.resp, _ = reg.ResponseValidator(desc)
		return s, nil
	}
}

type clientStream struct {
	interceptor.ClientStream
	ctx       context.Context
	path      string
	req, resp Validator
}

func (s *clientStream) SendMsg(m any) error {
	if err := check(s.ctx, s.req, m); err != nil {
		return errors.NewClientError(s.path, status.InvalidArgument, "invalid request: "+err.Error())
	}
	return s.ClientStream.SendMsg(m)
}

func (s *clientStream) RecvMsg(m any) error {
	if err := s.ClientStream.RecvMsg(m); err != nil {
		return err
	}
	if err := check(s.ctx, s.resp, m); err != nil {
		s.ClientStream.Cancel()
		return errors.NewClientError(s.path, status.Internal, "invalid response: "+err.Error())
	}
	return nil
}
