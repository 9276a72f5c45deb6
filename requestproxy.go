package main

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"sync"

	"github.com/go-kit/kit/log"
	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/justinas/alice"
	"github.com/rs/cors"
	"github.com/spf13/cast"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/xmidt-org/webpa-common/concurrent"
	"github.com/xmidt-org/webpa-common/logging"
	"github.com/xmidt-org/webpa-common/server"

	"github.com/openthingsio/otf-request-proxy/auth"
	"github.com/openthingsio/otf-request-proxy/device"
	"github.com/openthingsio/otf-request-proxy/forward"
)

//convenient global values
const (
	applicationName = "otf-request-proxy"

	hostKey          = "HOST"
	httpPortKey      = "HTTP_PORT"
	websocketPortKey = "WEBSOCKET_PORT"
	authPluginKey    = "AUTHENTICATION_PLUGIN"
	logLevelKey      = "LOG_LEVEL"
)

var defaults = map[string]interface{}{
	hostKey:          "",
	httpPortKey:      3000,
	websocketPortKey: 8080,
	authPluginKey:    auth.StaticPluginName,
	logLevelKey:      "info",
}

// logLevels maps the configurable levels onto the go-kit filter levels the
// logging package understands.
var logLevels = map[string]string{
	"trace":  "DEBUG",
	"debug":  "DEBUG",
	"info":   "INFO",
	"warn":   "WARN",
	"error":  "ERROR",
	"fatal":  "ERROR",
	"silent": "ERROR",
}

func requestProxy(arguments []string) (exitCode int) {

	var (
		f = pflag.NewFlagSet(applicationName, pflag.ContinueOnError)
		v = viper.New()
	)

	// a .env file, when present, feeds the same environment viper reads
	godotenv.Load()

	v.AutomaticEnv()
	for k, va := range defaults {
		v.SetDefault(k, va)
	}

	if err := f.Parse(arguments[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Unable to parse arguments: %s\n", err.Error())
		return 1
	}

	var (
		host          = cast.ToString(v.Get(hostKey))
		httpPort      = cast.ToInt(v.Get(httpPortKey))
		websocketPort = cast.ToInt(v.Get(websocketPortKey))
		logLevel      = cast.ToString(v.Get(logLevelKey))
	)

	if err := validateConfig(httpPort, websocketPort, logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %s\n", err.Error())
		return 1
	}

	var (
		logger                  = logging.New(&logging.Options{Level: logLevels[logLevel]})
		infoLogger, errorLogger = logging.Info(logger), logging.Error(logger)
	)

	//
	// Authentication plugin: exactly one is active, selected by name
	//
	plugin, err := auth.FromName(v.GetString(authPluginKey))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to select authentication plugin: %s\n", err.Error())
		return 1
	}

	if err := plugin.Initialize(v, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Unable to initialize authentication plugin: %s\n", err.Error())
		return 1
	}

	infoLogger.Log("authenticationPlugin", v.GetString(authPluginKey))

	//
	// Gateway state: the controller registry is owned here and shared by the
	// controller endpoint and the forwarding surface
	//
	registry := device.NewRegistry()

	connectHandler := &device.ConnectHandler{
		Logger:   logger,
		Registry: registry,
		Auth:     plugin,
		Upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	r := mux.NewRouter()
	r.Handle("/healthz", http.HandlerFunc(func(response http.ResponseWriter, request *http.Request) {
		response.Header().Set("Content-Type", "application/json")
		response.Write([]byte(`{"ok": true}`))
	}))
	r.Handle("/devices/v1", &device.ListHandler{Logger: logger, Registry: registry})
	r.PathPrefix("/debug/").Handler(http.DefaultServeMux)

	forward.ConfigHandler(&forward.Options{
		Registry: registry,
		R:        r,
		Log:      logger,
	})

	decorated := alice.New(
		cors.AllowAll().Handler,
		requestLogging(logger),
	).Then(r)

	//
	// Bind both listeners up front so that a bind failure is a fatal startup
	// error rather than a background one
	//
	httpListener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, httpPort))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to bind HTTP listener: %s\n", err.Error())
		return 1
	}

	socketListener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, websocketPort))
	if err != nil {
		httpListener.Close()
		fmt.Fprintf(os.Stderr, "Unable to bind controller listener: %s\n", err.Error())
		return 1
	}

	var (
		httpServer   = &http.Server{Handler: decorated}
		socketServer = &http.Server{Handler: connectHandler}
		signals      = make(chan os.Signal, 1)
	)

	//
	// Execute the runnable, which runs both servers, and wait for a signal
	//
	waitGroup, shutdown, err := concurrent.Execute(gatewayRunnable(errorLogger,
		listenerServer{server: httpServer, listener: httpListener},
		listenerServer{server: socketServer, listener: socketListener},
	))

	if err != nil {
		errorLogger.Log(logging.MessageKey(), "Unable to start the gateway", logging.ErrorKey(), err)
		return 1
	}

	infoLogger.Log(logging.MessageKey(), "gateway listening",
		"httpAddress", httpListener.Addr().String(),
		"controllerAddress", socketListener.Addr().String(),
	)

	signal.Notify(signals)
	s := server.SignalWait(infoLogger, signals, os.Kill, os.Interrupt)
	errorLogger.Log(logging.MessageKey(), "exiting due to signal", "signal", s)
	close(shutdown)
	waitGroup.Wait()

	return 0
}

func validateConfig(httpPort, websocketPort int, logLevel string) error {
	if err := validation.Validate(httpPort, validation.Required, validation.Min(1), validation.Max(65535)); err != nil {
		return fmt.Errorf("%s: %s", httpPortKey, err.Error())
	}

	if err := validation.Validate(websocketPort, validation.Required, validation.Min(1), validation.Max(65535)); err != nil {
		return fmt.Errorf("%s: %s", websocketPortKey, err.Error())
	}

	if err := validation.Validate(logLevel, validation.In("trace", "debug", "info", "warn", "error", "fatal", "silent")); err != nil {
		return fmt.Errorf("%s: %s", logLevelKey, err.Error())
	}

	return nil
}

type listenerServer struct {
	server   *http.Server
	listener net.Listener
}

// gatewayRunnable serves every listener until shutdown closes, then closes
// the servers.  Closing a server does not close hijacked connections, so
// controller sockets and parked forwards stay open until the process exits.
func gatewayRunnable(errorLogger log.Logger, servers ...listenerServer) concurrent.Runnable {
	return concurrent.RunnableFunc(func(waitGroup *sync.WaitGroup, shutdown <-chan struct{}) error {
		for _, ls := range servers {
			waitGroup.Add(2)

			go func(ls listenerServer) {
				defer waitGroup.Done()
				if err := ls.server.Serve(ls.listener); err != nil && err != http.ErrServerClosed {
					errorLogger.Log(logging.MessageKey(), "server exited", logging.ErrorKey(), err)
				}
			}(ls)

			go func(ls listenerServer) {
				defer waitGroup.Done()
				<-shutdown
				ls.server.Close()
			}(ls)
		}

		return nil
	})
}

// requestLogging is an alice constructor that logs each HTTP transaction.
// The wrapper keeps http.Hijacker reachable, since the forwarder takes over
// the raw response stream.
func requestLogging(logger log.Logger) func(http.Handler) http.Handler {
	infoLogger := logging.Info(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(response http.ResponseWriter, request *http.Request) {
			capture := &statusCapturingResponseWriter{ResponseWriter: response}
			next.ServeHTTP(capture, request)

			status := capture.status
			if status == 0 {
				status = http.StatusOK
			}

			infoLogger.Log(
				logging.MessageKey(), "request",
				"method", request.Method,
				"path", request.URL.Path,
				"status", status,
				"hijacked", capture.hijacked,
			)
		})
	}
}

type statusCapturingResponseWriter struct {
	http.ResponseWriter
	status   int
	hijacked bool
}

func (w *statusCapturingResponseWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusCapturingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, supported := w.ResponseWriter.(http.Hijacker)
	if !supported {
		return nil, nil, fmt.Errorf("response writer of type %T does not support hijacking", w.ResponseWriter)
	}

	w.hijacked = true
	return hijacker.Hijack()
}

func main() {
	os.Exit(requestProxy(os.Args))
}
