package deltadefi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

// httpClient wraps resty with the retry and auth behavior every DeltaDeFi
// REST call shares.
type httpClient struct {
	client *resty.Client
	apiKey string
}

func newHTTPClient(baseURL, apiKey string) *httpClient {
	baseURL = strings.TrimSuffix(baseURL, "/")

	// resty reads proxy settings from the standard environment variables.
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		SetRetryAfter(func(client *resty.Client, resp *resty.Response) (time.Duration, error) {
			// Honor Retry-After on 429 responses.
			if resp.StatusCode() == http.StatusTooManyRequests {
				if retryAfter := resp.Header().Get("Retry-After"); retryAfter != "" {
					if d, err := time.ParseDuration(retryAfter + "s"); err == nil {
						return d, nil
					}
				}
				return 10 * time.Second, nil
			}
			return 0, nil
		})

	return &httpClient{client: client, apiKey: apiKey}
}

type requestOptions struct {
	Params map[string]string
	Body   any
}

func (h *httpClient) newRequest(ctx context.Context) *resty.Request {
	r := h.client.R()
	if ctx != nil {
		r.SetContext(ctx)
	}
	r.SetHeader("Accept", "application/json")
	if h.apiKey != "" {
		r.SetHeader("X-API-KEY", h.apiKey)
	}
	return r
}

func (h *httpClient) do(ctx context.Context, method, endpoint string, opt *requestOptions, out any) error {
	r := h.newRequest(ctx)
	if opt != nil {
		if opt.Params != nil {
			r.SetQueryParams(opt.Params)
		}
		if opt.Body != nil {
			r.SetHeader("Content-Type", "application/json")
			r.SetBody(opt.Body)
		}
	}
	if out != nil {
		r.SetResult(out)
	}

	var resp *resty.Response
	var err error
	switch method {
	case http.MethodGet:
		resp, err = r.Get(endpoint)
	case http.MethodPost:
		resp, err = r.Post(endpoint)
	case http.MethodDelete:
		resp, err = r.Delete(endpoint)
	default:
		return fmt.Errorf("unsupported method: %s", method)
	}
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, endpoint)
	}
	if resp.IsError() {
		return newAPIError(method, endpoint, resp)
	}
	return nil
}

func (h *httpClient) get(ctx context.Context, endpoint string, params map[string]string, out any) error {
	return h.do(ctx, http.MethodGet, endpoint, &requestOptions{Params: params}, out)
}

func (h *httpClient) post(ctx context.Context, endpoint string, body, out any) error {
	return h.do(ctx, http.MethodPost, endpoint, &requestOptions{Body: body}, out)
}

// APIError is a non-2xx response from the venue, surfaced verbatim.
type APIError struct {
	Method     string
	Endpoint   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("deltadefi: %s %s returned %d: %s", e.Method, e.Endpoint, e.StatusCode, e.Message)
}

func newAPIError(method, endpoint string, resp *resty.Response) *APIError {
	msg := strings.TrimSpace(string(resp.Body()))
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err == nil {
		if body.Error != "" {
			msg = body.Error
		} else if body.Message != "" {
			msg = body.Message
		}
	}
	return &APIError{
		Method:     method,
		Endpoint:   endpoint,
		StatusCode: resp.StatusCode(),
		Message:    msg,
	}
}
