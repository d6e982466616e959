// Copyright (c) 2014-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rpcclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

var (
	// ErrInvalidAuth is an error to describe the condition where the client
	// is either unable to authenticate or the specified endpoint is
	// incorrect.
	ErrInvalidAuth = errors.New("authentication failure")

	// ErrClientShutdown is an error to describe the condition where the
	// client is either already shutdown, or in the process of shutting
	// down. Any new requests return this error.
	ErrClientShutdown = errors.New("the client has been shutdown")
)

// StatusError is returned when the node answers with something other than
// a JSON-RPC response, e.g. a 503 when its work queue is full.
type StatusError struct {
	Method     string
	ID         uint64
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s/%d: status code: %d, response: %q",
		e.Method, e.ID, e.StatusCode, e.Body)
}

// Busy reports whether the node rejected the request because it is
// overloaded.
func (e *StatusError) Busy() bool {
	return e.StatusCode == http.StatusServiceUnavailable
}

// rawResponse is a partially-unmarshaled JSON-RPC response. For this
// to be valid (per JSON-RPC 1.0), ID may not be nil.
type rawResponse struct {
	Result json.RawMessage   `json:"result"`
	Error  *btcjson.RPCError `json:"error"`
}

// result checks whether the unmarshaled response contains a non-nil error,
// returning an unmarshaled btcjson.RPCError if so. If the response is not
// an error, the raw bytes of the result are returned for further
// unmarshalling into specific result types.
func (r rawResponse) result() (json.RawMessage, error) {
	if r.Error != nil {
		return nil, r.Error
	}
	return r.Result, nil
}

// Client is a Bitcoin Core JSON-RPC client running in HTTP POST mode.
//
// Unlike the upstream btcd client, calls are not funneled through a single
// send goroutine: every Call performs its own HTTP round trip in the
// calling goroutine, so independent calls run concurrently and honor
// their own context.
type Client struct {
	id uint64 // atomic, so must stay 64-bit aligned

	// config holds the connection configuration associated with this client.
	config *ConnConfig

	// httpClient is the underlying retrying HTTP client.
	httpClient *retryablehttp.Client

	url string

	shutdown atomic.Bool
}

// NextID returns the next id to be used when sending a JSON-RPC message.
func (c *Client) NextID() uint64 {
	return atomic.AddUint64(&c.id, 1)
}

// Call sends a JSON-RPC request for the given method with positional
// params, and returns the raw "result" member of the reply. Node-reported
// failures are returned as *btcjson.RPCError.
func (c *Client) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if c.shutdown.Load() {
		return nil, ErrClientShutdown
	}

	if params == nil {
		params = []any{}
	}

	id := c.NextID()
	req, err := btcjson.NewRequest(btcjson.RpcVersion1, id, method, params)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	marshalledJSON, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", method, err)
	}

	log := zerolog.Ctx(ctx)
	log.Trace().Msgf("%s/%d: sending marshalled JSON: %s",
		method, id, string(marshalledJSON))

	start := time.Now()
	res, err := c.do(ctx, method, id, marshalledJSON)
	if err != nil {
		log.Debug().Err(err).
			Stringer("duration", time.Since(start)).
			Msgf("%s/%d: request failed", method, id)
		return nil, err
	}

	log.Trace().
		Stringer("duration", time.Since(start)).
		Msgf("%s/%d: received %d bytes", method, id, len(res))

	return res, nil
}

// do performs the HTTP request, reading the result and unmarshalling it.
func (c *Client) do(ctx context.Context, method string, id uint64, body []byte) (json.RawMessage, error) {
	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for key, value := range c.config.ExtraHeaders {
		httpReq.Header.Set(key, value)
	}

	// Configure basic access authorization.
	user, pass, err := c.config.getAuth()
	if err != nil {
		return nil, fmt.Errorf("rpc auth: %w", err)
	}
	httpReq.SetBasicAuth(user, pass)

	httpResponse, err := c.httpClient.Do(httpReq)
	// Any retries have already been exhausted at this point.
	if err != nil {
		if httpResponse != nil {
			_ = httpResponse.Body.Close()
		}
		return nil, err
	}

	// Read the raw bytes and close the response.
	respBytes, err := io.ReadAll(httpResponse.Body)
	_ = httpResponse.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("error reading json reply: %w", err)
	}

	switch httpResponse.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, ErrInvalidAuth
	}

	// Try to unmarshal the response as a regular JSON-RPC response.
	var resp rawResponse
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		// When the response itself isn't a valid JSON-RPC response
		// return an error which includes the HTTP status code and raw
		// response bytes.
		return nil, &StatusError{
			Method:     method,
			ID:         id,
			StatusCode: httpResponse.StatusCode,
			Body:       string(respBytes),
		}
	}

	return resp.result()
}

// Shutdown closes idle connections. Calls made after Shutdown fail with
// ErrClientShutdown; calls in flight run to completion.
func (c *Client) Shutdown(ctx context.Context) {
	if !c.shutdown.CompareAndSwap(false, true) {
		return
	}

	zerolog.Ctx(ctx).Trace().Msgf("Shutting down RPC client %s", c.config.Host)
	c.httpClient.HTTPClient.CloseIdleConnections()
}

// ConnConfig describes the connection configuration parameters for the client.
type ConnConfig struct {
	// Host is the IP address and port of the RPC server you want to connect
	// to. It may include a path, e.g. "localhost:8332/wallet/main".
	Host string

	// User is the username to use to authenticate to the RPC server.
	User string

	// Pass is the passphrase to use to authenticate to the RPC server.
	Pass string

	// CookiePath is the path to a cookie file containing the username and
	// passphrase to use to authenticate to the RPC server. It is used
	// instead of User and Pass if Pass is empty.
	CookiePath string

	cookieMu            sync.Mutex
	cookieLastCheckTime time.Time
	cookieLastModTime   time.Time
	cookieLastUser      string
	cookieLastPass      string
	cookieLastErr       error

	// DisableTLS specifies whether transport layer security should be
	// disabled. Bitcoin Core does not serve TLS.
	DisableTLS bool

	// Certificates are the bytes for a PEM-encoded certificate chain used
	// for the TLS connection. It has no effect if the DisableTLS parameter
	// is true.
	Certificates []byte

	// Proxy specifies to connect through a proxy server. It may be an
	// empty string if a proxy is not required.
	Proxy string

	// ExtraHeaders specifies the extra headers when perform request. It's
	// useful when RPC provider need customized headers.
	ExtraHeaders map[string]string

	// Timeout bounds a single HTTP attempt. Zero means no limit besides
	// the request context.
	Timeout time.Duration

	// RetryMax is the number of times a request is retried after a
	// connection-level failure. RPC errors are never retried.
	RetryMax int

	// Logger receives retry attempt logs. May be nil.
	Logger retryablehttp.LeveledLogger
}

// getAuth returns the username and passphrase that will actually be used for
// this connection. This will be the result of checking the cookie if a cookie
// path is configured; if not, it will be the user-configured username and
// passphrase.
func (config *ConnConfig) getAuth() (username, passphrase string, err error) {
	// Try username+passphrase auth first.
	if config.Pass != "" || config.CookiePath == "" {
		return config.User, config.Pass, nil
	}

	// If no passphrase is set, try cookie auth.
	return config.retrieveCookie()
}

// retrieveCookie returns the cookie username and passphrase.
func (config *ConnConfig) retrieveCookie() (username, passphrase string, err error) {
	config.cookieMu.Lock()
	defer config.cookieMu.Unlock()

	if !config.cookieLastCheckTime.IsZero() && time.Now().Before(config.cookieLastCheckTime.Add(30*time.Second)) {
		return config.cookieLastUser, config.cookieLastPass, config.cookieLastErr
	}

	config.cookieLastCheckTime = time.Now()

	st, err := os.Stat(config.CookiePath)
	if err != nil {
		config.cookieLastErr = err
		return config.cookieLastUser, config.cookieLastPass, config.cookieLastErr
	}

	modTime := st.ModTime()
	if !modTime.Equal(config.cookieLastModTime) {
		config.cookieLastModTime = modTime
		config.cookieLastUser, config.cookieLastPass, config.cookieLastErr = readCookieFile(config.CookiePath)
	}

	return config.cookieLastUser, config.cookieLastPass, config.cookieLastErr
}

// newHTTPClient returns a new retrying http client that is configured
// according to the proxy, TLS and retry settings in the associated
// connection configuration.
func newHTTPClient(config *ConnConfig) (*retryablehttp.Client, error) {
	// Set proxy function if there is a proxy configured.
	var proxyFunc func(*http.Request) (*url.URL, error)
	if config.Proxy != "" {
		proxyURL, err := url.Parse(config.Proxy)
		if err != nil {
			return nil, err
		}
		proxyFunc = http.ProxyURL(proxyURL)
	}

	// Configure TLS if needed.
	var tlsConfig *tls.Config
	if !config.DisableTLS {
		if len(config.Certificates) > 0 {
			pool := x509.NewCertPool()
			pool.AppendCertsFromPEM(config.Certificates)
			tlsConfig = &tls.Config{
				RootCAs:    pool,
				MinVersion: tls.VersionTLS12,
			}
		}
	}

	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			Proxy:           proxyFunc,
			TLSClientConfig: tlsConfig,
		},
	}
	client.RetryMax = config.RetryMax
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.CheckRetry = retryConnectionErrors
	// Hand the last response back untouched, so the JSON-RPC error body
	// can be decoded.
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = nil
	if config.Logger != nil {
		client.Logger = config.Logger
	}

	return client, nil
}

// retryConnectionErrors retries when no HTTP response was received, or
// when the node's work queue is full (503). Bitcoin Core answers RPC
// errors with HTTP 500, which must not be retried.
func retryConnectionErrors(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err == nil {
		return resp != nil && resp.StatusCode == http.StatusServiceUnavailable, nil
	}

	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// New creates a new RPC client based on the provided connection configuration
// details.
func New(ctx context.Context, config *ConnConfig) (*Client, error) {
	if config.Host == "" {
		return nil, errors.New("rpcclient.New: empty host")
	}

	httpClient, err := newHTTPClient(config)
	if err != nil {
		return nil, err
	}

	protocol := "http"
	if !config.DisableTLS {
		protocol = "https"
	}

	client := &Client{
		config:     config,
		httpClient: httpClient,
		url:        protocol + "://" + config.Host,
	}

	zerolog.Ctx(ctx).Debug().Msgf("created RPC client for %s", config.Host)

	return client, nil
}

// ErrorCode returns the node-reported error code carried by err, or 0 if
// err is not a JSON-RPC error.
func ErrorCode(err error) btcjson.RPCErrorCode {
	rpcErr := new(btcjson.RPCError)
	if !errors.As(err, &rpcErr) {
		return 0
	}

	return rpcErr.Code
}
