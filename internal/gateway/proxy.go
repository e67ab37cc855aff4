package gateway

import (
	"context"
	"net/http"
)

// forwardedHeaders are copied from the client request to the storefront.
// customerHeader is never among them.
var forwardedHeaders = []string{
	"Content-Type",
	"Stripe-Signature",
}

const customerHeader = "X-Customer-ID"

type ServiceProxy struct {
	baseURL string
	client  *http.Client
}

// NewServiceProxy never follows upstream redirects so that download
// redirects reach the caller untouched.
func NewServiceProxy(baseURL string, client *http.Client) *ServiceProxy {
	c := *client
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &ServiceProxy{
		baseURL: baseURL,
		client:  &c,
	}
}

// ForwardRequest sends r to path upstream. customerID, when set, must come from
// a verified credential.
func (p *ServiceProxy) ForwardRequest(ctx context.Context, r *http.Request, path, customerID string) (*http.Response, error) {
	target := p.baseURL + path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		return nil, err
	}
	req.ContentLength = r.ContentLength

	for _, name := range forwardedHeaders {
		if value := r.Header.Get(name); value != "" {
			req.Header.Set(name, value)
		}
	}
	if customerID != "" {
		req.Header.Set(customerHeader, customerID)
	}

	return p.client.Do(req)
}
