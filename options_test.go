package gameserver

import (
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

func TestServerDefaults(t *testing.T) {
	opts := serverDefaults()
	if _, ok := opts.codec.(JSONCodec); !ok {
		t.Errorf("default codec = %T, want JSONCodec", opts.codec)
	}
	if opts.logger != nil || opts.httpClient != nil || opts.registerer != nil {
		t.Error("logger, HTTP client and registerer should default to nil")
	}
}

func TestWithCodec_IgnoresNil(t *testing.T) {
	opts := serverDefaults()
	WithCodec(nil)(&opts)
	if opts.codec == nil {
		t.Error("WithCodec(nil) should keep the default codec")
	}
}

func TestWithHTTPClient(t *testing.T) {
	client := &http.Client{}
	opts := serverDefaults()
	WithHTTPClient(client)(&opts)
	if opts.httpClient != client {
		t.Error("WithHTTPClient should set the client")
	}
}

func TestWithLogger(t *testing.T) {
	opts := serverDefaults()
	WithLogger(zerolog.Nop())(&opts)
	if opts.logger == nil {
		t.Error("WithLogger should set the logger")
	}
}

func TestWithRegisterer(t *testing.T) {
	reg := prometheus.NewRegistry()
	opts := serverDefaults()
	WithRegisterer(reg)(&opts)
	if opts.registerer != reg {
		t.Error("WithRegisterer should set the registerer")
	}
}
