package util

import (
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// NewProxyFunc routes oracle traffic through the configured proxies. Requests
// whose scheme has no configured proxy follow HTTP_PROXY/HTTPS_PROXY/NO_PROXY.
func NewProxyFunc(httpProxy, httpsProxy string) func(*http.Request) (*url.URL, error) {
	if httpProxy == "" && httpsProxy == "" {
		return http.ProxyFromEnvironment
	}
	plain, plainErr := parseProxy(httpProxy)
	secure, secureErr := parseProxy(httpsProxy)
	if secure == nil && secureErr == nil {
		secure, secureErr = plain, plainErr
	}

	return func(req *http.Request) (*url.URL, error) {
		pick, err := plain, plainErr
		if req.URL.Scheme == "https" {
			pick, err = secure, secureErr
		}
		if err != nil {
			return nil, err
		}
		if pick == nil {
			return http.ProxyFromEnvironment(req)
		}
		return pick, nil
	}
}

func parseProxy(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy %q: %w", raw, err)
	}
	return u, nil
}

// NewHTTPClient builds the client used for oracle calls
func NewHTTPClient(timeout time.Duration, httpProxy, httpsProxy string) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = NewProxyFunc(httpProxy, httpsProxy)
	return &http.Client{Timeout: timeout, Transport: transport}
}
