// Package forward accepts HTTP requests addressed to a connected controller,
// serializes them onto the controller socket, and relays the controller's
// reply on the originating connection.
package forward

import (
	"context"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/openthingsio/otf-request-proxy/device"
	"github.com/openthingsio/otf-request-proxy/otf"
	"github.com/xmidt-org/webpa-common/logging"
)

// APIBase is the path prefix of the forwarding surface.
const APIBase = "/forward/v1"

// MaxRequestBody caps forwarded request bodies at 1 MiB.  The cap is enforced
// by middleware before the forwarder reads the body.
const MaxRequestBody = 1 << 20

// error bodies, JSON with a single message property
const (
	messageNoDeviceKey     = "No device key was specified or an invalid format was used."
	messageDeviceAbsent    = "Specified device does not exist or is not connected."
	messageTooManyInFlight = "Too many requests are in flight for this device."
	messageBodyTooLarge    = "Request body may not exceed 1 MiB."
)

// upstreamFailureResponse is written to the raw response stream of every
// request still pending when its controller session is torn down.
var upstreamFailureResponse = []byte(
	"HTTP/1.1 502 Bad Gateway\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"Connection: close\r\n" +
		"\r\n" +
		"The device disconnected before a response was received.\r\n",
)

// Options configures the forwarding surface on a router.
type Options struct {
	// Registry resolves device keys to controller sessions.
	Registry *device.Registry

	// R is the router the forwarding routes are mounted on.
	R *mux.Router

	Log log.Logger
}

// ConfigHandler mounts the forwarding surface under APIBase:
//
//	ALL /forward/v1/:deviceKey    -> 301 to the same URL with a trailing slash
//	ALL /forward/v1/:deviceKey/*  -> forwarded to the controller
//
// Requests carrying no device key at all are answered 401.
func ConfigHandler(o *Options) {
	handler := &forwardHandler{
		registry: o.Registry,
		errorLog: logging.Error(o.Log),
		debugLog: logging.Debug(o.Log),
	}

	chain := alice.New(bodyLimit)

	apiRouter := o.R.PathPrefix(APIBase).Subrouter()
	apiRouter.Handle("/{deviceKey}", http.HandlerFunc(redirectWithSlash))
	apiRouter.PathPrefix("/{deviceKey}/").Handler(chain.Then(handler))
	apiRouter.PathPrefix("/").HandlerFunc(func(response http.ResponseWriter, request *http.Request) {
		jsonMessage(response, http.StatusUnauthorized, messageNoDeviceKey)
	})
}

// redirectWithSlash answers the bare device route with a permanent redirect
// to the trailing-slash form, preserving any query string.
func redirectWithSlash(response http.ResponseWriter, request *http.Request) {
	target := request.URL.Path + "/"
	if request.URL.RawQuery != "" {
		target += "?" + request.URL.RawQuery
	}

	http.Redirect(response, request, target, http.StatusMovedPermanently)
}

// bodyLimit rejects request bodies beyond MaxRequestBody with 413, upstream
// of the forwarder itself.
func bodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(response http.ResponseWriter, request *http.Request) {
		if request.ContentLength > MaxRequestBody {
			jsonMessage(response, http.StatusRequestEntityTooLarge, messageBodyTooLarge)
			return
		}

		request.Body = http.MaxBytesReader(response, request.Body, MaxRequestBody)
		next.ServeHTTP(response, request)
	})
}

type forwardHandler struct {
	registry *device.Registry
	errorLog log.Logger
	debugLog log.Logger
}

func (h *forwardHandler) ServeHTTP(response http.ResponseWriter, request *http.Request) {
	deviceKey := mux.Vars(request)["deviceKey"]
	if deviceKey == "" {
		jsonMessage(response, http.StatusUnauthorized, messageNoDeviceKey)
		return
	}

	session, connected := h.registry.Lookup(deviceKey)
	if !connected {
		jsonMessage(response, http.StatusNotFound, messageDeviceAbsent)
		return
	}

	body, err := ioutil.ReadAll(request.Body)
	if err != nil {
		jsonMessage(response, http.StatusRequestEntityTooLarge, messageBodyTooLarge)
		return
	}

	forwardedPath := strings.TrimPrefix(request.URL.Path, APIBase+"/"+deviceKey)
	if forwardedPath == "" {
		forwardedPath = "/"
	}

	if request.URL.RawQuery != "" {
		forwardedPath += "?" + request.URL.RawQuery
	}

	// The controller's reply is a complete HTTP response, forwarded verbatim,
	// so take exclusive ownership of the raw response stream now.  Anything
	// written after this point goes straight to the client socket.
	sink, err := newResponseSink(response)
	if err != nil {
		h.errorLog.Log(logging.MessageKey(), "unable to take over the response stream", logging.ErrorKey(), err)
		jsonMessage(response, http.StatusInternalServerError, "The response stream could not be acquired.")
		return
	}
	defer sink.close()

	ctx, cancel := context.WithCancel(request.Context())
	defer cancel()
	go sink.watchPeer(cancel)

	reply, err := session.Forward(ctx, func(requestID string) []byte {
		h.debugLog.Log(logging.MessageKey(), "forwarding request", "deviceKey", deviceKey, "requestId", requestID, "path", forwardedPath)
		return (&otf.ForwardRequest{
			RequestID: requestID,
			Method:    request.Method,
			Path:      forwardedPath,
			Proto:     request.Proto,
			Header:    request.Header,
			Body:      body,
		}).Encode()
	})

	switch err {
	case nil:
		sink.write(reply)

	case device.ErrorSessionClosed:
		sink.write(upstreamFailureResponse)

	case device.ErrorTooManyPending:
		sink.write(serviceUnavailableResponse())

	default:
		// the originating client went away; there is nothing left to write to
		h.debugLog.Log(logging.MessageKey(), "client disconnected before reply", "deviceKey", deviceKey, logging.ErrorKey(), err)
	}
}

// responseSink is an exclusive handle on the hijacked byte stream of the
// originating HTTP response.  The reply is written to it at most once, then
// the stream is closed.
type responseSink struct {
	conn net.Conn
}

func newResponseSink(response http.ResponseWriter) (*responseSink, error) {
	hijacker, supported := response.(http.Hijacker)
	if !supported {
		return nil, fmt.Errorf("response writer of type %T does not support hijacking", response)
	}

	conn, buffered, err := hijacker.Hijack()
	if err != nil {
		return nil, err
	}

	if err := buffered.Flush(); err != nil {
		conn.Close()
		return nil, err
	}

	return &responseSink{conn: conn}, nil
}

// watchPeer cancels the forward when the client disconnects before a reply
// arrives.  Once hijacked, the connection is no longer monitored by net/http,
// so a blocked read is the disconnect signal; clients do not send anything
// further on an in-flight request.
func (s *responseSink) watchPeer(cancel context.CancelFunc) {
	buffer := make([]byte, 1)
	for {
		if _, err := s.conn.Read(buffer); err != nil {
			cancel()
			return
		}
	}
}

func (s *responseSink) write(data []byte) {
	if _, err := s.conn.Write(data); err != nil {
		// the client is already gone; nothing else to do with the reply
		return
	}
}

func (s *responseSink) close() {
	s.conn.Close()
}

func serviceUnavailableResponse() []byte {
	body := fmt.Sprintf(`{"message": "%s"}`, messageTooManyInFlight)
	return []byte(fmt.Sprintf(
		"HTTP/1.1 503 Service Unavailable\r\nContent-Type: application/json\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		len(body),
		body,
	))
}

// jsonMessage writes the standard error body used across the forwarding
// surface.
func jsonMessage(response http.ResponseWriter, code int, message string) {
	response.Header().Set("Content-Type", "application/json")
	response.WriteHeader(code)
	fmt.Fprintf(response, `{"message": "%s"}`, message)
}
