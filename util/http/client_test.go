package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHTTPClient(t *testing.T) {
	t.Parallel()

	client := NewHTTPClient()
	assert.NotNil(t, client)

	httpClient, ok := client.(*HTTPClient)
	require.True(t, ok)
	assert.NotNil(t, httpClient.client)
	assert.Equal(t, 30*time.Second, httpClient.client.Timeout)
}

func TestHTTPClient_DoHTTPRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		requestParam *RequestParam
		setupServer  func() *httptest.Server
		wantErr      bool
		wantErrMsg   string
	}{
		{
			name: "successful GET",
			requestParam: &RequestParam{
				Method:     "GET",
				RequestURI: "", // filled in with the test server URL
			},
			setupServer: func() *httptest.Server {
				return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					assert.Equal(t, "GET", r.Method)
					w.WriteHeader(http.StatusOK)
					_, _ = w.Write([]byte(`{"message": "success"}`))
				}))
			},
			wantErr: false,
		},
		{
			name: "successful POST with JSON body",
			requestParam: &RequestParam{
				Method:     "POST",
				RequestURI: "",
				Body:       map[string]interface{}{"key": "value"},
				Header: map[string]string{
					"Content-Type": "application/json",
				},
			},
			setupServer: func() *httptest.Server {
				return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					assert.Equal(t, "POST", r.Method)
					assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

					body, err := io.ReadAll(r.Body)
					require.NoError(t, err)

					var data map[string]interface{}
					err = json.Unmarshal(body, &data)
					require.NoError(t, err)
					assert.Equal(t, "value", data["key"])

					w.WriteHeader(http.StatusOK)
					_, _ = w.Write([]byte(`{"received": true}`))
				}))
			},
			wantErr: false,
		},
		{
			name: "successful POST with io.Reader body",
			requestParam: &RequestParam{
				Method:     "POST",
				RequestURI: "",
				Body:       strings.NewReader(`{"reader": "body"}`),
				Header: map[string]string{
					"Content-Type": "application/json",
				},
			},
			setupServer: func() *httptest.Server {
				return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					assert.Equal(t, "POST", r.Method)

					body, err := io.ReadAll(r.Body)
					require.NoError(t, err)
					assert.Equal(t, `{"reader": "body"}`, string(body))

					w.WriteHeader(http.StatusOK)
					_, _ = w.Write([]byte(`{"received": true}`))
				}))
			},
			wantErr: false,
		},
		{
			name: "server returns error status",
			requestParam: &RequestParam{
				Method:     "GET",
				RequestURI: "",
			},
			setupServer: func() *httptest.Server {
				return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"error": "server error"}`))
				}))
			},
			wantErr:    true,
			wantErrMsg: "HTTP request failed with status 500",
		},
		{
			name: "request timeout",
			requestParam: &RequestParam{
				Method:     "GET",
				RequestURI: "",
				Timeout:    100 * time.Millisecond,
			},
			setupServer: func() *httptest.Server {
				return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					time.Sleep(200 * time.Millisecond)
					w.WriteHeader(http.StatusOK)
				}))
			},
			wantErr:    true,
			wantErrMsg: "context deadline exceeded",
		},
		{
			name:         "nil request param",
			requestParam: nil,
			setupServer: func() *httptest.Server {
				return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(http.StatusOK)
				}))
			},
			wantErr:    true,
			wantErrMsg: "request param is nil",
		},
		{
			name: "invalid URL",
			requestParam: &RequestParam{
				Method:     "GET",
				RequestURI: "://invalid-url",
			},
			setupServer: func() *httptest.Server {
				return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(http.StatusOK)
				}))
			},
			wantErr:    true,
			wantErrMsg: "missing protocol scheme",
		},
		{
			name: "unmarshalable body",
			requestParam: &RequestParam{
				Method:     "POST",
				RequestURI: "",
				Body:       make(chan int),
			},
			setupServer: func() *httptest.Server {
				return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(http.StatusOK)
				}))
			},
			wantErr:    true,
			wantErrMsg: "json: unsupported type: chan int",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var server *httptest.Server
			if tt.setupServer != nil {
				server = tt.setupServer()
				if server != nil {
					defer server.Close()
					if tt.requestParam != nil && tt.requestParam.RequestURI == "" {
						tt.requestParam.RequestURI = server.URL
					}
				}
			}

			client := NewHTTPClient()
			ctx := context.Background()

			err := client.DoHTTPRequest(ctx, tt.requestParam)

			if tt.wantErr {
				assert.Error(t, err)
				if tt.wantErrMsg != "" {
					assert.Contains(t, err.Error(), tt.wantErrMsg)
				}
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestHTTPClient_DoHTTPRequest_ContextCancellation(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"result": "ok"}`))
	}))
	defer server.Close()

	client := NewHTTPClient()
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	requestParam := &RequestParam{
		Method:     "GET",
		RequestURI: server.URL,
		Response:   &map[string]interface{}{},
	}

	err := client.DoHTTPRequest(ctx, requestParam)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "context canceled")
}

func TestHTTPClient_DoHTTPRequest_RawBytesResponse(t *testing.T) {
	t.Parallel()

	payload := []byte("\x89PNG\r\n\x1a\nnot really a png")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	client := NewHTTPClient()

	var raw []byte
	requestParam := &RequestParam{
		Method:     "GET",
		RequestURI: server.URL,
		Response:   &raw,
	}

	err := client.DoHTTPRequest(context.Background(), requestParam)
	require.NoError(t, err)
	assert.Equal(t, payload, raw)
}

func TestHTTPClient_DoHTTPRequest_JSONResponse(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"name": "astro.png", "subfolder": "", "type": "input"}`))
	}))
	defer server.Close()

	client := NewHTTPClient()

	var response map[string]interface{}
	requestParam := &RequestParam{
		Method:     "GET",
		RequestURI: server.URL,
		Response:   &response,
	}

	err := client.DoHTTPRequest(context.Background(), requestParam)
	require.NoError(t, err)
	assert.Equal(t, "astro.png", response["name"])
	assert.Equal(t, "input", response["type"])
}

func TestHTTPClient_DoHTTPRequest_ErrorStatusIncludesBody(t *testing.T) {
	t.Parallel()

	statusCodes := []int{400, 401, 403, 404, 500, 502, 503}

	for _, statusCode := range statusCodes {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(statusCode)
			_, _ = w.Write([]byte("Error message"))
		}))

		client := NewHTTPClient()
		err := client.DoHTTPRequest(context.Background(), &RequestParam{
			Method:     "GET",
			RequestURI: server.URL,
		})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "HTTP request failed with status")
		assert.Contains(t, err.Error(), "Error message")
		server.Close()
	}
}
