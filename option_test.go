package ntr

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestCheckOptions_DefaultValues(t *testing.T) {
	opts := buildOptions(nil)

	if opts.port != DefaultPort {
		t.Errorf("port = %d, want %d", opts.port, DefaultPort)
	}
	if opts.heartbeat != time.Second {
		t.Errorf("heartbeat = %v, want 1s", opts.heartbeat)
	}
	if opts.heartbeatCheck != 500*time.Millisecond {
		t.Errorf("heartbeatCheck = %v, want 500ms", opts.heartbeatCheck)
	}
	if opts.writeTimeout != defaultWriteTimeout {
		t.Errorf("writeTimeout = %v, want %v", opts.writeTimeout, defaultWriteTimeout)
	}
	if opts.requestTimeout != defaultRequestTimeout {
		t.Errorf("requestTimeout = %v, want %v", opts.requestTimeout, defaultRequestTimeout)
	}
	if opts.idleTimeout != 0 {
		t.Errorf("idleTimeout = %v, want disabled", opts.idleTimeout)
	}
	if opts.maxReadLength != defaultMaxPackageLength {
		t.Errorf("maxReadLength = %d, want %d", opts.maxReadLength, defaultMaxPackageLength)
	}
	if opts.logger == nil {
		t.Error("logger should have default value")
	}
	if opts.tracer == nil {
		t.Error("tracer should have default value")
	}
	if opts.metrics != nil {
		t.Error("metrics should be off without a registerer")
	}
	if opts.onDisconnect == nil {
		t.Error("onDisconnect should have default value")
	}
}

func TestOptions_MultipleOptions(t *testing.T) {
	logger := &mockLogger{}
	reg := prometheus.NewRegistry()
	tracer := noop.NewTracerProvider().Tracer("test")
	var called error

	opts := buildOptions([]Option{
		PortOption(8001),
		DialTimeoutOption(time.Second),
		WriteTimeoutOption(2 * time.Second),
		RequestTimeoutOption(3 * time.Second),
		IdleTimeoutOption(4 * time.Second),
		HeartbeatOption(5 * time.Second),
		HeartbeatCheckOption(6 * time.Second),
		MessageMaxSize(2048),
		LoggerOption(logger),
		MetricsOption(reg),
		TracerOption(tracer),
		OnDisconnectOption(func(err error) { called = err }),
	})

	if opts.port != 8001 {
		t.Errorf("port = %d, want 8001", opts.port)
	}
	if opts.dialTimeout != time.Second {
		t.Errorf("dialTimeout = %v", opts.dialTimeout)
	}
	if opts.writeTimeout != 2*time.Second {
		t.Errorf("writeTimeout = %v", opts.writeTimeout)
	}
	if opts.requestTimeout != 3*time.Second {
		t.Errorf("requestTimeout = %v", opts.requestTimeout)
	}
	if opts.idleTimeout != 4*time.Second {
		t.Errorf("idleTimeout = %v", opts.idleTimeout)
	}
	if opts.heartbeat != 5*time.Second {
		t.Errorf("heartbeat = %v", opts.heartbeat)
	}
	if opts.heartbeatCheck != 6*time.Second {
		t.Errorf("heartbeatCheck = %v", opts.heartbeatCheck)
	}
	if opts.maxReadLength != 2048 {
		t.Errorf("maxReadLength = %d, want 2048", opts.maxReadLength)
	}
	if opts.logger != logger {
		t.Error("logger not set correctly")
	}
	if opts.tracer != tracer {
		t.Error("tracer not set correctly")
	}
	if opts.metrics == nil {
		t.Error("metrics not created for registerer")
	}

	sentinel := errors.New("test")
	opts.onDisconnect(sentinel)
	if called != sentinel {
		t.Error("onDisconnect not set correctly")
	}
}

func TestRequestTimeoutOption_Disable(t *testing.T) {
	opts := buildOptions([]Option{RequestTimeoutOption(-1)})

	if opts.requestTimeout != 0 {
		t.Errorf("requestTimeout = %v, want 0", opts.requestTimeout)
	}
}
