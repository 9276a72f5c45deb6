package device

import (
	"net/http"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/gorilla/websocket"
	"github.com/xmidt-org/webpa-common/logging"
)

// ConnectPath is the only path controllers may connect on.
const ConnectPath = "/socket/v1"

const deviceKeyParameter = "deviceKey"

// admission error frames, sent as a single text message before closing
const (
	errInvalidPath      = "ERR: invalid path."
	errMissingDeviceKey = "ERR: deviceKey was not properly specified."
	errDuplicateKey     = "ERR: A controller with this device key is already connected."
	errValidationFailed = "ERR: Error validating device key."
	errInvalidDeviceKey = "ERR: Invalid device key."
)

// Validator gates controller admission.  Implementations must be safe for
// concurrent use by multiple sessions.
type Validator interface {
	ValidateKey(deviceKey string) (bool, error)
}

// ConnectHandler terminates controller sockets.  Every connection is upgraded
// first so that admission failures can be reported as an "ERR: " text frame
// on the socket itself; a session begins serving frames only once the full
// admission sequence passes.
type ConnectHandler struct {
	Logger   log.Logger
	Registry *Registry
	Auth     Validator

	// PingPeriod overrides the liveness cadence.  Defaults to DefaultPingPeriod.
	PingPeriod time.Duration

	// QueueSize overrides the outbound frame queue capacity.
	QueueSize int

	Upgrader websocket.Upgrader
}

func (h *ConnectHandler) ServeHTTP(response http.ResponseWriter, request *http.Request) {
	conn, err := h.Upgrader.Upgrade(response, request, nil)
	if err != nil {
		logging.Error(h.Logger).Log(logging.MessageKey(), "failed websocket upgrade", logging.ErrorKey(), err)
		return
	}

	h.serve(conn, request)
}

// serve runs the admission sequence and, on success, the session itself.  It
// does not return until the controller disconnects.
func (h *ConnectHandler) serve(conn *websocket.Conn, request *http.Request) {
	var (
		errorLog = logging.Error(h.Logger)
		infoLog  = logging.Info(h.Logger)
	)

	if request.URL.Path != ConnectPath {
		h.reject(conn, errInvalidPath, "path", request.URL.Path)
		return
	}

	deviceKey := request.URL.Query().Get(deviceKeyParameter)
	if deviceKey == "" {
		h.reject(conn, errMissingDeviceKey)
		return
	}

	if _, connected := h.Registry.Lookup(deviceKey); connected {
		h.reject(conn, errDuplicateKey, "deviceKey", deviceKey)
		return
	}

	valid, err := h.Auth.ValidateKey(deviceKey)
	if err != nil {
		errorLog.Log(logging.MessageKey(), "error validating device key", "deviceKey", deviceKey, logging.ErrorKey(), err)
		h.reject(conn, errValidationFailed, "deviceKey", deviceKey)
		return
	}

	if !valid {
		h.reject(conn, errInvalidDeviceKey, "deviceKey", deviceKey)
		return
	}

	s := newSession(deviceKey, conn, h.Registry, h.Logger, h.PingPeriod, h.QueueSize)
	if !h.Registry.TryInsert(deviceKey, s) {
		// lost an admission race for the same key
		h.reject(conn, errDuplicateKey, "deviceKey", deviceKey)
		return
	}

	infoLog.Log(logging.MessageKey(), "controller connected", "deviceKey", deviceKey, "remoteAddress", conn.RemoteAddr().String())
	s.run()
	infoLog.Log(logging.MessageKey(), "controller disconnected", "deviceKey", deviceKey)
}

// reject sends a single admission error frame, then closes the socket.  The
// incumbent session, if any, is untouched.
func (h *ConnectHandler) reject(conn *websocket.Conn, message string, keyvals ...interface{}) {
	logging.Info(h.Logger).Log(
		append([]interface{}{logging.MessageKey(), "controller rejected", "reason", message}, keyvals...)...,
	)

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(message)); err != nil {
		logging.Error(h.Logger).Log(logging.MessageKey(), "error writing rejection frame", logging.ErrorKey(), err)
	}

	conn.Close()
}
