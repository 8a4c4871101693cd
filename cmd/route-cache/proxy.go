package main

import (
	"crypto/tls"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/rs/zerolog/hlog"
)

// newOriginProxy returns the downstream handler that forwards requests to the origin.
// originHost, if set, is used as the Host header and for TLS negotiation.
func newOriginProxy(originURL url.URL, originHost string) http.Handler {
	host := originURL.Host
	hostHeader := host
	transport := http.DefaultTransport
	if originHost != "" {
		hostHeader = originHost
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: originHost,
			},
		}
	}
	return &httputil.ReverseProxy{
		Director:  createDirector(originURL.Scheme, host, hostHeader),
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			hlog.FromRequest(r).Error().Err(err).Str("url", r.URL.String()).Msg("Origin request failed")
			w.WriteHeader(http.StatusBadGateway)
		},
	}
}

func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
		// responses are stored and replayed without their encoding,
		// so the transport negotiates compression and decodes it
		req.Header.Del("Accept-Encoding")
		if hostHeader != "" {
			req.Host = hostHeader
		}
	}
}
