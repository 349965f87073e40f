package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"resty.dev/v3"
)

// HTTP 状态错误
var (
	ErrNotFound    = errors.New("resource not found")
	ErrForbidden   = errors.New("access forbidden")
	ErrServerError = errors.New("server error")
)

// rangeResponse 一次（可能带 Range 的）GET 的响应
type rangeResponse struct {
	Body   io.ReadCloser
	Start  int64 // 响应体对应的起始偏移
	Total  int64 // 完整文件大小，未知为 -1
	Status int
}

// clientPool 按代理地址复用 resty 客户端
type clientPool struct {
	mu        sync.Mutex
	clients   map[string]*resty.Client
	userAgent string
	timeout   time.Duration
}

func newClientPool(userAgent string, timeout time.Duration) *clientPool {
	return &clientPool{
		clients:   make(map[string]*resty.Client),
		userAgent: userAgent,
		timeout:   timeout,
	}
}

func (p *clientPool) client(proxy string) *resty.Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[proxy]; ok {
		return c
	}

	c := resty.New()
	c.SetHeader("User-Agent", p.userAgent)
	// 禁用压缩，保证 Content-Length 与 Range 偏移一致
	c.SetHeader("Accept-Encoding", "identity")
	if p.timeout > 0 {
		c.SetTimeout(p.timeout)
	}
	if proxy != "" {
		c.SetProxy(proxy)
	}
	p.clients[proxy] = c
	return c
}

// close 关闭所有客户端
func (p *clientPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, c := range p.clients {
		_ = c.Close()
		delete(p.clients, key)
	}
}

// get 从 offset 开始请求 url；offset 为 0 时不带 Range 头
func (p *clientPool) get(ctx context.Context, url, proxy string, offset int64) (*rangeResponse, error) {
	req := p.client(proxy).R().
		SetContext(ctx).
		SetDoNotParseResponse(true)
	if offset > 0 {
		req.SetHeader("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := req.Get(url)
	if err != nil {
		return nil, networkError("request", err)
	}
	raw := resp.RawResponse
	if raw == nil {
		return nil, networkError("request", errors.New("empty response"))
	}

	switch raw.StatusCode {
	case http.StatusPartialContent:
		start, _, total, perr := ParseContentRange(raw.Header.Get("Content-Range"))
		if perr != nil {
			raw.Body.Close()
			return nil, networkError("parse content-range", perr)
		}
		return &rangeResponse{Body: raw.Body, Start: start, Total: total, Status: raw.StatusCode}, nil
	case http.StatusOK:
		total := raw.ContentLength
		if total < 0 {
			total = -1
		}
		return &rangeResponse{Body: raw.Body, Start: 0, Total: total, Status: raw.StatusCode}, nil
	case http.StatusRequestedRangeNotSatisfiable:
		raw.Body.Close()
		return nil, networkError("request", &RangeError{Total: unsatisfiedTotal(raw.Header.Get("Content-Range"))})
	default:
		body, _ := io.ReadAll(io.LimitReader(raw.Body, 512))
		raw.Body.Close()
		return nil, networkError("request", fmt.Errorf("%w: %s", statusError(raw.StatusCode), strings.TrimSpace(string(body))))
	}
}

// statusError 将非成功状态码映射为错误
func statusError(code int) error {
	switch {
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusForbidden || code == http.StatusUnauthorized:
		return ErrForbidden
	case code >= 500:
		return fmt.Errorf("%w: %d", ErrServerError, code)
	default:
		return fmt.Errorf("unexpected status code: %d", code)
	}
}

// unsatisfiedTotal 解析 416 响应的 "bytes */total"，无法解析时返回 -1
func unsatisfiedTotal(header string) int64 {
	rest, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes */")
	if !ok {
		return -1
	}
	total, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || total < 0 {
		return -1
	}
	return total
}

// ParseContentRange 解析 Content-Range 头，返回起止字节和总大小；总大小未知时为 -1
func ParseContentRange(header string) (start, end, total int64, err error) {
	// 格式: bytes start-end/total 或 bytes start-end/*
	header = strings.TrimPrefix(strings.TrimSpace(header), "bytes ")
	parts := strings.Split(header, "/")
	if len(parts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	rangeParts := strings.Split(parts[0], "-")
	if len(rangeParts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	start, err = strconv.ParseInt(rangeParts[0], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid start byte: %w", err)
	}
	end, err = strconv.ParseInt(rangeParts[1], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid end byte: %w", err)
	}

	if parts[1] == "*" {
		return start, end, -1, nil
	}
	total, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid total bytes: %w", err)
	}
	return start, end, total, nil
}
