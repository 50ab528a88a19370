package protocol

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"time"
)

// Executor performs one HTTP round trip. All protocol clients go through it,
// which is where the host application can plug in pinning, proxies or fakes.
type Executor interface {
	Do(req *http.Request) (*http.Response, error)
}

// DefaultTimeout bounds a single gateway round trip.
const DefaultTimeout = 30 * time.Second

// NewExecutor returns the stock executor: a plain http.Client with a request
// timeout.
func NewExecutor(timeout time.Duration) Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// NewMTLSExecutor returns an executor that presents the device certificate
// chain as TLS client identity. Used for endpoints the gateway authenticates
// by certificate rather than token, such as device removal.
func NewMTLSExecutor(chain []*x509.Certificate, key crypto.Signer, timeout time.Duration) (Executor, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("protocol: empty certificate chain")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	cert := tls.Certificate{PrivateKey: key, Leaf: chain[0]}
	for _, c := range chain {
		cert.Certificate = append(cert.Certificate, c.Raw)
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				Certificates: []tls.Certificate{cert},
			},
		},
	}, nil
}
