package stream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
)

// Request describes one fetch. Method defaults to GET.
type Request struct {
	Method string
	URL    string
	Header map[string]string
	Body   []byte
}

// Response is what an HTTP node delivers downstream.
type Response struct {
	Request    Request
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r *Response) Text() string { return string(r.Body) }

type HTTPOptions struct {
	Client  *http.Client
	Workers int64
	Timeout time.Duration
}

func (o HTTPOptions) withDefaults() HTTPOptions {
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.Client == nil {
		o.Client = &http.Client{Timeout: o.Timeout}
	}
	return o
}

// HTTP fetches each incoming URL string, Request or {"url": ...} map on a
// worker goroutine and delivers the *Response. Failures are reported to the
// node's error stream and never returned to the emitter.
func HTTP(o HTTPOptions, opts ...Option) *Node {
	o = o.withDefaults()
	sem := semaphore.NewWeighted(o.Workers)
	ctx, cancel := context.WithCancel(context.Background())
	n := newNode(KindHTTP, func(_ context.Context, n *Node, v any) ([]any, error) {
		req, err := requestOf(v)
		if err != nil {
			n.report(v, err)
			return nil, nil
		}
		go func() {
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer sem.Release(1)
			resp, err := fetch(ctx, o.Client, req)
			if err != nil {
				n.report(v, err)
				return
			}
			n.Deliver(resp)
		}()
		return nil, nil
	}, append([]Option{Async()}, opts...)...)
	n.onClose(func() error { cancel(); return nil })
	return n
}

func requestOf(v any) (Request, error) {
	switch x := v.(type) {
	case string:
		return Request{Method: http.MethodGet, URL: x}, nil
	case Request:
		if x.Method == "" {
			x.Method = http.MethodGet
		}
		return x, nil
	case *Request:
		return requestOf(*x)
	case map[string]any:
		u, _ := x["url"].(string)
		if u == "" {
			return Request{}, fmt.Errorf("request description without url: %v", x)
		}
		req := Request{URL: u, Method: http.MethodGet}
		if m, ok := x["method"].(string); ok && m != "" {
			req.Method = strings.ToUpper(m)
		}
		if h, ok := x["headers"].(map[string]any); ok {
			req.Header = map[string]string{}
			for k, hv := range h {
				req.Header[k] = fmt.Sprint(hv)
			}
		}
		switch b := x["body"].(type) {
		case string:
			req.Body = []byte(b)
		case []byte:
			req.Body = b
		}
		return req, nil
	}
	return Request{}, fmt.Errorf("cannot fetch %T", v)
}

func fetch(ctx context.Context, client *http.Client, req Request) (*Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Header {
		hreq.Header.Set(k, v)
	}
	resp, err := client.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", req.URL, err)
	}
	return &Response{Request: req, StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}
