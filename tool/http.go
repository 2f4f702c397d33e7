package tool

import (
	"net/http"
	"time"
)

var (
	DefaultTimeout = 30 * time.Second
	// StreamHttpClient has no overall timeout: export streams are long-lived
	// by design and are ended by a terminal frame, not a deadline.
	StreamHttpClient  *http.Client
	ControlHttpClient *http.Client
)

func init() {
	StreamHttpClient = newHTTPClient(0)
	ControlHttpClient = newHTTPClient(DefaultTimeout)
}

func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DisableKeepAlives:   false,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
