package gameserver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Option configures a Server.
type Option func(*serverOptions)

type serverOptions struct {
	logger     *zerolog.Logger
	httpClient *http.Client
	codec      Codec
	registerer prometheus.Registerer
}

func serverDefaults() serverOptions {
	return serverOptions{
		codec: JSONCodec{},
	}
}

// WithLogger replaces the default stderr JSON logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *serverOptions) {
		o.logger = &l
	}
}

// WithHTTPClient sets the client used for the command channel.
// Config.CommandTimeout is not applied to a caller-supplied client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *serverOptions) {
		o.httpClient = c
	}
}

// WithCodec sets the payload encoding for the command channel.
func WithCodec(c Codec) Option {
	return func(o *serverOptions) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithRegisterer registers the SDK's Prometheus collectors with reg.
// Without it the collectors are kept private to the Server.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *serverOptions) {
		o.registerer = reg
	}
}
