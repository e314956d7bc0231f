package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/signup-provisioner/internal/health"
	"github.com/keithlinneman/signup-provisioner/internal/httpmw"
	"github.com/keithlinneman/signup-provisioner/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func() // Optional callback when a panic is recovered, e.g. to increment a prometheus counter
	MetricsMW    func(http.Handler) http.Handler
	RateLimitMW  func(http.Handler) http.Handler
	APIRoutes    func(chi.Router)
	Health       health.Probe
	Readiness    health.Probe
	ClientIPOpts httpmw.ClientIPOptions
}
