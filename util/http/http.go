package http

import (
	"context"
	"time"
)

//go:generate mockgen -destination=mocks/http.go -package=mocks . IClient
type IClient interface {
	DoHTTPRequest(ctx context.Context, requestParam *RequestParam) error
}

// RequestParam describes a single HTTP call. Body may be an io.Reader, a
// []byte, a string, or any JSON-marshalable value. Response, when non-nil,
// receives the response body: a *[]byte gets the raw bytes, anything else is
// unmarshaled as JSON.
type RequestParam struct {
	RequestURI string
	Method     string
	Header     map[string]string
	Body       interface{}
	Response   interface{}

	Timeout time.Duration
}
