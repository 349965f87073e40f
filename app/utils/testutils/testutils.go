// Package testutils 提供测试用的范围请求 HTTP 服务器
package testutils

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// GenerateTestData 生成确定性的测试数据
func GenerateTestData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

// File 服务器上的一个文件
type File struct {
	Data []byte

	// GateAt 大于 0 时，响应写到该偏移后暂停，直到调用 Release
	GateAt int
	// IgnoreRange 忽略 Range 头，总是返回 200 和完整内容
	IgnoreRange bool
	// Truncate 大于 0 时，服务器只提供前 Truncate 字节，模拟远端文件变化
	Truncate int
	// Status 非 0 时直接返回该状态码
	Status int

	gate     chan struct{}
	gateOnce sync.Once
}

// Release 放行在 GateAt 处暂停的响应
func (f *File) Release() {
	f.gateOnce.Do(func() { close(f.gate) })
}

// Server 支持 Range 的测试服务器
type Server struct {
	*httptest.Server

	mu     sync.Mutex
	files  map[string]*File
	ranges []string

	Hits        atomic.Int32
	BytesServed atomic.Int64
	// Gated 在响应到达 GateAt 时收到文件路径
	Gated chan string
}

// NewServer 启动测试服务器，测试结束时自动关闭
func NewServer(t *testing.T) *Server {
	t.Helper()
	s := &Server{
		files: make(map[string]*File),
		Gated: make(chan string, 16),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(func() {
		s.mu.Lock()
		for _, f := range s.files {
			f.Release()
		}
		s.mu.Unlock()
		s.Server.Close()
	})
	return s
}

// Add 注册文件并返回其 URL
func (s *Server) Add(path string, f *File) string {
	f.gate = make(chan struct{})
	s.mu.Lock()
	s.files[path] = f
	s.mu.Unlock()
	return s.URL + path
}

// SetTruncate 修改文件的截断长度，0 表示恢复完整内容
func (s *Server) SetTruncate(path string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.files[path]; ok {
		f.Truncate = n
	}
}

// Ranges 返回收到的 Range 头（无 Range 时记为空串）
func (s *Server) Ranges() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ranges...)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.Hits.Add(1)

	s.mu.Lock()
	f, ok := s.files[r.URL.Path]
	s.ranges = append(s.ranges, r.Header.Get("Range"))
	truncate := 0
	if ok {
		truncate = f.Truncate
	}
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	if f.Status != 0 {
		http.Error(w, http.StatusText(f.Status), f.Status)
		return
	}

	data := f.Data
	if truncate > 0 && truncate < len(data) {
		data = data[:truncate]
	}
	size := len(data)
	start := 0

	if rh := r.Header.Get("Range"); rh != "" && !f.IgnoreRange {
		spec := strings.TrimPrefix(rh, "bytes=")
		parts := strings.SplitN(spec, "-", 2)
		start, _ = strconv.Atoi(parts[0])
		if start >= size {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, size-1, size))
		w.Header().Set("Content-Length", strconv.Itoa(size-start))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", strconv.Itoa(size))
		w.WriteHeader(http.StatusOK)
	}

	end := size
	if f.GateAt > start && f.GateAt < end {
		s.write(w, data[start:f.GateAt])
		select {
		case s.Gated <- r.URL.Path:
		default:
		}
		select {
		case <-f.gate:
		case <-r.Context().Done():
			return
		}
		start = f.GateAt
	}
	if start < end {
		s.write(w, data[start:end])
	}
}

func (s *Server) write(w http.ResponseWriter, p []byte) {
	n, _ := w.Write(p)
	s.BytesServed.Add(int64(n))
	if fl, ok := w.(http.Flusher); ok {
		fl.Flush()
	}
}
