package ntr

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Default configuration values.
const (
	// defaultHeartbeat is the minimum spacing between two heartbeats.
	defaultHeartbeat = time.Second
	// defaultHeartbeatCheck is how often the heartbeat loop wakes up.
	defaultHeartbeatCheck = 500 * time.Millisecond
	// defaultWriteTimeout bounds a single packet write.
	defaultWriteTimeout = 10 * time.Second
	// defaultRequestTimeout bounds a request when the caller's context has no deadline.
	defaultRequestTimeout = 30 * time.Second
	// defaultMaxPackageLength is the default maximum payload size (16MB).
	defaultMaxPackageLength = 16 * 1024 * 1024
)

// options holds the configuration for a connection.
type options struct {
	logger Logger
	tracer trace.Tracer

	registerer prometheus.Registerer
	metrics    *metrics

	// onDisconnect is called once when the receiver stops, with the cause.
	onDisconnect func(error)

	port           int
	dialTimeout    time.Duration
	writeTimeout   time.Duration
	requestTimeout time.Duration
	idleTimeout    time.Duration // zero disables the read deadline
	heartbeat      time.Duration // minimum interval between heartbeats
	heartbeatCheck time.Duration // heartbeat loop tick
	maxReadLength  int           // maximum size of a single payload
}

// Option is a function that configures connection options.
type Option func(*options)

// checkOptions validates and sets default values for connection options.
func checkOptions(opts *options) {
	if opts.port <= 0 {
		opts.port = DefaultPort
	}

	if opts.writeTimeout <= 0 {
		opts.writeTimeout = defaultWriteTimeout
	}

	if opts.requestTimeout < 0 {
		opts.requestTimeout = 0
	} else if opts.requestTimeout == 0 {
		opts.requestTimeout = defaultRequestTimeout
	}

	if opts.heartbeat <= 0 {
		opts.heartbeat = defaultHeartbeat
	}

	if opts.heartbeatCheck <= 0 {
		opts.heartbeatCheck = defaultHeartbeatCheck
	}

	if opts.maxReadLength <= 0 {
		opts.maxReadLength = defaultMaxPackageLength
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	if opts.tracer == nil {
		opts.tracer = otel.Tracer(instrumentationName)
	}

	if opts.registerer != nil && opts.metrics == nil {
		opts.metrics = newMetrics(opts.registerer)
	}

	if opts.onDisconnect == nil {
		opts.onDisconnect = func(error) {}
	}
}

// PortOption returns an Option that overrides the debugger port used by Dial.
func PortOption(port int) Option {
	return func(o *options) {
		o.port = port
	}
}

// DialTimeoutOption returns an Option that bounds how long Dial waits for the
// TCP handshake. Zero means no limit beyond the context.
func DialTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.dialTimeout = timeout
	}
}

// WriteTimeoutOption returns an Option that sets the write deadline applied
// to each packet.
func WriteTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = timeout
	}
}

// RequestTimeoutOption returns an Option that bounds GetPID, ListProcesses and
// MemRead when the caller's context carries no deadline.
// A negative value disables the default bound.
func RequestTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.requestTimeout = timeout
	}
}

// IdleTimeoutOption returns an Option that drops the connection when nothing
// is received for timeout. Heartbeat acknowledgements count as traffic, so
// the timeout should be several heartbeat intervals. Zero, the default,
// disables it.
func IdleTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = timeout
	}
}

// HeartbeatOption returns an Option that sets the minimum interval between heartbeats.
func HeartbeatOption(heartbeat time.Duration) Option {
	return func(o *options) {
		o.heartbeat = heartbeat
	}
}

// HeartbeatCheckOption returns an Option that sets how often the heartbeat
// loop checks whether a heartbeat is due.
func HeartbeatCheckOption(interval time.Duration) Option {
	return func(o *options) {
		o.heartbeatCheck = interval
	}
}

// MessageMaxSize returns an Option that sets the maximum payload size.
// A larger payload from the peer is treated as stream corruption.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxReadLength = size
	}
}

// OnDisconnectOption returns an Option that sets a callback invoked once when
// the connection stops, with the error that stopped it.
func OnDisconnectOption(cb func(error)) Option {
	return func(o *options) {
		o.onDisconnect = cb
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// MetricsOption returns an Option that registers connection metrics with reg.
// Connections sharing a registerer share the collectors.
func MetricsOption(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// TracerOption returns an Option that sets the tracer used for request spans.
// The default is the global provider's tracer.
func TracerOption(tracer trace.Tracer) Option {
	return func(o *options) {
		o.tracer = tracer
	}
}
