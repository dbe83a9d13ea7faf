package main

import (
	"fmt"
	"strings"

	"github.com/gostdlib/base/context"

	"github.com/bearlytools/tern/rpc/call"
	"github.com/bearlytools/tern/rpc/errors"
	"github.com/bearlytools/tern/rpc/server"
	"github.com/bearlytools/tern/rpc/status"
	"github.com/bearlytools/tern/rpc/validate"
)

const echoService = "tern.echo.Echo"

var (
	sayDesc     = call.Descriptor{Service: echoService, Method: "Say"}
	collectDesc = call.Descriptor{Service: echoService, Method: "Collect", RequestStream: true}
	repeatDesc  = call.Descriptor{Service: echoService, Method: "Repeat", ResponseStream: true}
	chatDesc    = call.Descriptor{Service: echoService, Method: "Chat", RequestStream: true, ResponseStream: true}
)

// EchoRequest is the request of every echo method.
type EchoRequest struct {
	Message string `json:"message"`
	// Count is how many responses Repeat sends.
	Count int `json:"count,omitempty"`
}

// EchoResponse is the response of every echo method.
type EchoResponse struct {
	Message string `json:"message"`
	Index   int    `json:"index"`
}

// Validate rejects messages longer than maxMessageLen bytes.
func (r EchoRequest) Validate() error {
	if len(r.Message) > maxMessageLen {
		return validate.NewFieldError("message", fmt.Sprintf("longer than %d bytes", maxMessageLen))
	}
	return nil
}

const (
	// maxRepeat bounds Repeat so a caller can't ask for an endless stream.
	maxRepeat     = 1000
	maxMessageLen = 4096
)

func registerEcho(srv *server.Server) {
	srv.MustRegister(sayDesc, server.Unary[EchoRequest, EchoResponse](say))
	srv.MustRegister(collectDesc, server.ClientStream[EchoRequest, EchoResponse](collect))
	srv.MustRegister(repeatDesc, server.ServerStream[EchoRequest, EchoResponse](repeat))
	srv.MustRegister(chatDesc, server.BiDi[EchoRequest, EchoResponse](chat))
}

func say(ctx context.Context, req EchoRequest) (EchoResponse, error) {
	if req.Message == "" {
		return EchoResponse{}, errors.NewServerError(status.InvalidArgument, "message is empty")
	}
	return EchoResponse{Message: req.Message}, nil
}

func collect(ctx context.Context, reqs *server.Receiver[EchoRequest]) (EchoResponse, error) {
	var msgs []string
	for req, err := range reqs.All() {
		if err != nil {
			return EchoResponse{}, err
		}
		msgs = append(msgs, req.Message)
	}
	return EchoResponse{Message: strings.Join(msgs, " "), Index: len(msgs)}, nil
}

func repeat(ctx context.Context, req EchoRequest, out *server.Sender[EchoResponse]) error {
	if req.Count < 0 || req.Count > maxRepeat {
		return errors.Errorf(status.OutOfRange, "count must be between 0 and %d, got %d", maxRepeat, req.Count)
	}
	for i := range req.Count {
		if err := out.Send(EchoResponse{Message: fmt.Sprintf("%s #%d", req.Message, i+1), Index: i}); err != nil {
			return err
		}
	}
	return nil
}

func chat(ctx context.Context, reqs *server.Receiver[EchoRequest], out *server.Sender[EchoResponse]) error {
	i := 0
	for req, err := range reqs.All() {
		if err != nil {
			return err
		}
		if err := out.Send(EchoResponse{Message: req.Message, Index: i}); err != nil {
			return err
		}
		i++
	}
	return nil
}
