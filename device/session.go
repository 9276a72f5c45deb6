package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/gorilla/websocket"
	"github.com/openthingsio/otf-request-proxy/otf"
	"github.com/xmidt-org/webpa-common/logging"
)

const (
	// DefaultPingPeriod is the liveness cadence: one ping per period, and
	// teardown when a full period elapses without a pong.
	DefaultPingPeriod = 10 * time.Second

	// DefaultQueueSize is the default capacity of a session's outbound
	// forward-frame queue.
	DefaultQueueSize = 64

	writeWait = 10 * time.Second

	// requestIDAttempts bounds the random draws made while allocating a
	// request id.  The id space holds 65536 slots; failing this many draws
	// means the pending table is effectively saturated.
	requestIDAttempts = 64
)

// liveness states.  The session is AwaitingPong between emitting a ping and
// observing the controller's pong.
const (
	stateAwaitingPong int32 = iota
	stateAlive
)

var (
	// ErrorSessionClosed indicates that the controller session was torn down
	// before the operation could complete.
	ErrorSessionClosed = errors.New("the controller session has been closed")

	// ErrorTooManyPending indicates that no request id could be allocated
	// because the session's pending table is saturated.
	ErrorTooManyPending = errors.New("too many pending requests for this controller")
)

// Session owns exactly one controller socket.  All socket writes are funneled
// through the session's write pump, inbound frames are consumed one at a time
// by the read pump, and the pending-request table is guarded by the session
// lock, so that frame handling, forwards, and teardown appear serialized.
type Session struct {
	deviceKey   string
	conn        *websocket.Conn
	connectedAt time.Time

	errorLog log.Logger
	debugLog log.Logger

	registry   *Registry
	pingPeriod time.Duration

	alive int32

	lock    sync.Mutex
	pending map[string]chan []byte

	messages  chan []byte
	shutdown  chan struct{}
	closeOnce sync.Once
}

func newSession(deviceKey string, conn *websocket.Conn, registry *Registry, logger log.Logger, pingPeriod time.Duration, queueSize int) *Session {
	if pingPeriod <= 0 {
		pingPeriod = DefaultPingPeriod
	}

	if queueSize < 1 {
		queueSize = DefaultQueueSize
	}

	logger = log.With(logger, "deviceKey", deviceKey)
	return &Session{
		deviceKey:   deviceKey,
		conn:        conn,
		connectedAt: time.Now(),
		errorLog:    logging.Error(logger),
		debugLog:    logging.Debug(logger),
		registry:    registry,
		pingPeriod:  pingPeriod,
		alive:       stateAlive,
		pending:     make(map[string]chan []byte),
		messages:    make(chan []byte, queueSize),
		shutdown:    make(chan struct{}),
	}
}

func (s *Session) DeviceKey() string {
	return s.deviceKey
}

func (s *Session) ConnectedAt() time.Time {
	return s.connectedAt
}

// Pending returns the count of in-flight forwarded requests.
func (s *Session) Pending() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.pending)
}

// Closed tests whether this session has begun teardown.
func (s *Session) Closed() bool {
	select {
	case <-s.shutdown:
		return true
	default:
		return false
	}
}

// Shutdown is closed when the session is torn down.
func (s *Session) Shutdown() <-chan struct{} {
	return s.shutdown
}

// MarshalJSON exposes public metadata about this session as JSON.
func (s *Session) MarshalJSON() ([]byte, error) {
	output := new(bytes.Buffer)
	fmt.Fprintf(
		output,
		`{"deviceKey": "%s", "connectedAt": "%s", "pending": %d}`,
		s.deviceKey,
		s.connectedAt.Format(time.RFC3339),
		s.Pending(),
	)

	return output.Bytes(), nil
}

func (s *Session) String() string {
	data, _ := s.MarshalJSON()
	return string(data)
}

// Forward transmits the frame produced by build, parked under a freshly
// allocated request id, and waits for the controller's matching reply.  It
// returns the reply body, or ErrorTooManyPending if no request id could be
// allocated, or ErrorSessionClosed if the session is torn down first, or
// ctx.Err() if the originating client goes away, in which case the
// pending entry is dropped and any later reply is discarded on lookup miss.
//
// Frames are transmitted in the order Forward accepted them; replies are
// matched by request id, so out-of-order replies are expected.
func (s *Session) Forward(ctx context.Context, build func(requestID string) []byte) ([]byte, error) {
	requestID, result, err := s.registerPending()
	if err != nil {
		return nil, err
	}

	select {
	case s.messages <- build(requestID):
	case <-ctx.Done():
		s.cancelPending(requestID)
		return nil, ctx.Err()
	case <-s.shutdown:
		s.cancelPending(requestID)
		return nil, ErrorSessionClosed
	}

	select {
	case body := <-result:
		return body, nil
	case <-ctx.Done():
		s.cancelPending(requestID)
		return nil, ctx.Err()
	case <-s.shutdown:
		// a reply may have raced teardown; prefer it if so
		select {
		case body := <-result:
			return body, nil
		default:
			return nil, ErrorSessionClosed
		}
	}
}

// registerPending draws a request id uniformly from the 16-bit space and
// reserves it in the pending table.  Ids already in flight are redrawn, a
// bounded number of times, so an id is never reused while its predecessor is
// unresolved.
func (s *Session) registerPending() (string, <-chan []byte, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.Closed() {
		return "", nil, ErrorSessionClosed
	}

	for attempt := 0; attempt < requestIDAttempts; attempt++ {
		requestID := otf.RequestID(uint16(rand.Intn(1 << 16)))
		if _, inFlight := s.pending[requestID]; inFlight {
			continue
		}

		result := make(chan []byte, 1)
		s.pending[requestID] = result
		return requestID, result, nil
	}

	return "", nil, ErrorTooManyPending
}

func (s *Session) cancelPending(requestID string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.pending, requestID)
}

// complete resolves the pending entry for requestID with the reply body.
// It reports whether an entry was found; the entry is removed either way it
// is resolved, so a reply is delivered at most once.
func (s *Session) complete(requestID string, body []byte) bool {
	s.lock.Lock()
	result, found := s.pending[requestID]
	if found {
		delete(s.pending, requestID)
	}
	s.lock.Unlock()

	if found {
		result <- body
	}

	return found
}

// run services the controller socket until it closes.  It blocks in the read
// pump; the write pump runs on its own goroutine and owns the liveness ticker.
func (s *Session) run() {
	s.conn.SetPongHandler(func(string) error {
		// any pong, in any state, marks the controller alive
		atomic.StoreInt32(&s.alive, stateAlive)
		return nil
	})

	go s.writePump()
	s.readPump()
}

// readPump consumes and validates inbound frames one at a time, in order of
// arrival.  This goroutine exits when any error occurs on the connection.
func (s *Session) readPump() {
	defer s.debugLog.Log(logging.MessageKey(), "read pump exiting")
	s.debugLog.Log(logging.MessageKey(), "read pump starting")

	var readError error
	defer func() { s.teardown(readError) }()

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			readError = err
			return
		}

		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			s.debugLog.Log(logging.MessageKey(), "skipping frame of unexpected type", "messageType", messageType)
			continue
		}

		response, err := otf.DecodeResponse(data)
		if err != nil {
			s.errorLog.Log(logging.MessageKey(), "discarding malformed response frame", logging.ErrorKey(), err)
			continue
		}

		if !s.complete(response.RequestID, response.Body) {
			s.errorLog.Log(logging.MessageKey(), "discarding reply with no pending request", "requestId", response.RequestID)
		}
	}
}

// writePump transmits queued forward frames and drives the liveness state
// machine: each tick either emits a ping or, if the previous ping went
// unanswered, declares the controller dead and tears the session down.
func (s *Session) writePump() {
	defer s.debugLog.Log(logging.MessageKey(), "write pump exiting")
	s.debugLog.Log(logging.MessageKey(), "write pump starting")

	ticker := time.NewTicker(s.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return

		case frame := <-s.messages:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.errorLog.Log(logging.MessageKey(), "write error", logging.ErrorKey(), err)
				s.teardown(err)
				return
			}

		case <-ticker.C:
			if !atomic.CompareAndSwapInt32(&s.alive, stateAlive, stateAwaitingPong) {
				s.errorLog.Log(logging.MessageKey(), "controller missed a ping interval")
				s.teardown(errors.New("liveness timeout"))
				return
			}

			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.errorLog.Log(logging.MessageKey(), "ping error", logging.ErrorKey(), err)
				s.teardown(err)
				return
			}
		}
	}
}

// teardown releases everything the session owns: the liveness ticker stops
// with the write pump, the session leaves the registry (only while it is
// still the stored instance), every parked forward resolves to an upstream
// failure, and the socket closes.  It is idempotent; only the first cause is
// logged.
func (s *Session) teardown(cause error) {
	s.closeOnce.Do(func() {
		if cause != nil {
			s.errorLog.Log(logging.MessageKey(), "session teardown", logging.ErrorKey(), cause)
		} else {
			s.debugLog.Log(logging.MessageKey(), "session teardown")
		}

		s.registry.Remove(s.deviceKey, s)

		// releases parked forwards, which resolve their own pending entries,
		// and stops the write pump
		close(s.shutdown)

		s.lock.Lock()
		s.pending = make(map[string]chan []byte)
		s.lock.Unlock()

		if err := s.conn.Close(); err != nil {
			s.debugLog.Log(logging.MessageKey(), "error closing controller socket", logging.ErrorKey(), err)
		}
	})
}
