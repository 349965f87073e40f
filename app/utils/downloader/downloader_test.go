package downloader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wallfetch/app/utils/testutils"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	opts := DefaultOptions(t.TempDir())
	opts.ChunkSize = 128
	e := NewEngine(opts, nil)
	t.Cleanup(e.Close)
	return e
}

func TestCachePathDeterministic(t *testing.T) {
	a := CachePath("/cache", "https://w.example/a.jpg", 1000)
	b := CachePath("/cache", "https://w.example/a.jpg", 1000)
	c := CachePath("/cache", "https://w.example/a.jpg", 1001)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, filepath.Join("/cache", OnlineDir), filepath.Dir(a))
	assert.Equal(t, a+PartialSuffix, PartialPath("/cache", "https://w.example/a.jpg", 1000))

	key, partial := KeyFromPath(a + PartialSuffix)
	assert.True(t, partial)
	assert.Equal(t, CacheKey("https://w.example/a.jpg", 1000), key)
}

func TestParseContentRange(t *testing.T) {
	start, end, total, err := ParseContentRange("bytes 400-999/1000")
	require.NoError(t, err)
	assert.Equal(t, int64(400), start)
	assert.Equal(t, int64(999), end)
	assert.Equal(t, int64(1000), total)

	_, _, total, err = ParseContentRange("bytes 0-99/*")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), total)

	_, _, _, err = ParseContentRange("garbage")
	assert.Error(t, err)

	assert.Equal(t, int64(1000), unsatisfiedTotal("bytes */1000"))
	assert.Equal(t, int64(-1), unsatisfiedTotal("bytes */*"))
	assert.Equal(t, int64(-1), unsatisfiedTotal(""))
}

func TestRunDownloadsAndFinalizes(t *testing.T) {
	srv := testutils.NewServer(t)
	data := testutils.GenerateTestData(1000)
	url := srv.Add("/a.jpg", &testutils.File{Data: data})

	e := newTestEngine(t)
	sub := e.Progress().Subscribe(1024)
	defer sub.Close()

	dest := filepath.Join(t.TempDir(), "lib", "a.jpg")
	res := e.Run(context.Background(), Request{TaskID: 1, URL: url, Destination: dest, ExpectedSize: 1000})

	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeCompleted, res.Outcome())
	assert.Equal(t, int64(1000), res.Downloaded)
	assert.Equal(t, int64(1000), res.Total)
	assert.False(t, res.CacheHit)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	assert.FileExists(t, CachePath(e.CacheRoot(), url, 1000))
	assert.NoFileExists(t, PartialPath(e.CacheRoot(), url, 1000))

	var last Progress
	count := 0
	for len(sub.C) > 0 {
		last = <-sub.C
		count++
	}
	assert.Greater(t, count, 0)
	assert.Equal(t, uint64(1), last.TaskID)
	assert.Equal(t, int64(1000), last.Downloaded)
	assert.Equal(t, int64(1000), last.Total)
}

func TestRunCacheHitSkipsNetwork(t *testing.T) {
	srv := testutils.NewServer(t)
	data := testutils.GenerateTestData(500)
	url := srv.Add("/b.jpg", &testutils.File{Data: data})

	e := newTestEngine(t)
	res := e.Run(context.Background(), Request{TaskID: 1, URL: url, ExpectedSize: 500})
	require.NoError(t, res.Err)
	require.Equal(t, int32(1), srv.Hits.Load())

	dest := filepath.Join(t.TempDir(), "b.jpg")
	res = e.Run(context.Background(), Request{TaskID: 2, URL: url, Destination: dest, ExpectedSize: 500})
	require.NoError(t, res.Err)
	assert.True(t, res.CacheHit)
	assert.Equal(t, int32(1), srv.Hits.Load())

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	path, ok := e.Cached(url, 500)
	assert.True(t, ok)
	assert.Equal(t, CachePath(e.CacheRoot(), url, 500), path)
}

func TestRunResumesFromPartial(t *testing.T) {
	srv := testutils.NewServer(t)
	data := testutils.GenerateTestData(1000)
	url := srv.Add("/c.jpg", &testutils.File{Data: data})

	e := newTestEngine(t)
	partial := PartialPath(e.CacheRoot(), url, 1000)
	require.NoError(t, os.MkdirAll(filepath.Dir(partial), 0755))
	require.NoError(t, os.WriteFile(partial, data[:400], 0644))

	dest := filepath.Join(t.TempDir(), "c.jpg")
	res := e.Run(context.Background(), Request{TaskID: 3, URL: url, Destination: dest, ExpectedSize: 1000})
	require.NoError(t, res.Err)

	assert.Equal(t, []string{"bytes=400-"}, srv.Ranges())
	assert.Equal(t, int64(600), srv.BytesServed.Load())

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestRunServerIgnoresRange(t *testing.T) {
	srv := testutils.NewServer(t)
	data := testutils.GenerateTestData(1000)
	url := srv.Add("/d.jpg", &testutils.File{Data: data, IgnoreRange: true})

	e := newTestEngine(t)
	partial := PartialPath(e.CacheRoot(), url, 1000)
	require.NoError(t, os.MkdirAll(filepath.Dir(partial), 0755))
	require.NoError(t, os.WriteFile(partial, make([]byte, 300), 0644))

	dest := filepath.Join(t.TempDir(), "d.jpg")
	res := e.Run(context.Background(), Request{URL: url, Destination: dest, ExpectedSize: 1000})
	require.NoError(t, res.Err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestRunPreSetCancelDoesNoIO(t *testing.T) {
	srv := testutils.NewServer(t)
	url := srv.Add("/e.jpg", &testutils.File{Data: testutils.GenerateTestData(100)})

	e := newTestEngine(t)
	flag := NewCancelFlag()
	flag.Set()

	dest := filepath.Join(t.TempDir(), "e.jpg")
	res := e.Run(context.Background(), Request{URL: url, Destination: dest, ExpectedSize: 100, Cancel: flag})

	assert.True(t, errors.Is(res.Err, ErrCancelled))
	assert.Equal(t, OutcomeCancelled, res.Outcome())
	assert.Equal(t, int32(0), srv.Hits.Load())
	assert.NoFileExists(t, dest)
	assert.NoDirExists(t, filepath.Join(e.CacheRoot(), OnlineDir))
}

func TestRunCancelMidStreamKeepsPartial(t *testing.T) {
	srv := testutils.NewServer(t)
	data := testutils.GenerateTestData(1000)
	file := &testutils.File{Data: data, GateAt: 400}
	url := srv.Add("/f.jpg", file)

	e := newTestEngine(t)
	sub := e.Progress().Subscribe(1024)
	defer sub.Close()

	flag := NewCancelFlag()
	done := make(chan Result, 1)
	go func() {
		done <- e.Run(context.Background(), Request{TaskID: 7, URL: url, ExpectedSize: 1000, Cancel: flag})
	}()

	waitForProgress(t, sub, 400)
	flag.Set()

	var res Result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("transfer did not observe cancellation")
	}

	assert.Equal(t, OutcomeCancelled, res.Outcome())
	assert.Equal(t, int64(400), res.Downloaded)
	assert.Equal(t, int64(400), fileSize(PartialPath(e.CacheRoot(), url, 1000)))
	assert.NoFileExists(t, CachePath(e.CacheRoot(), url, 1000))

	// 取消之后不再有新的进度
	for len(sub.C) > 0 {
		p := <-sub.C
		assert.LessOrEqual(t, p.Downloaded, int64(400))
	}
}

func TestRunSizeMismatchRetainsPartial(t *testing.T) {
	srv := testutils.NewServer(t)
	url := srv.Add("/g.jpg", &testutils.File{Data: testutils.GenerateTestData(1000), Truncate: 900})

	e := newTestEngine(t)
	res := e.Run(context.Background(), Request{URL: url, ExpectedSize: 1000})

	assert.True(t, errors.Is(res.Err, ErrSizeMismatch))
	assert.Equal(t, OutcomeFailed, res.Outcome())
	assert.Equal(t, "size mismatch", FailReason(res.Err))
	assert.Equal(t, int64(900), fileSize(PartialPath(e.CacheRoot(), url, 1000)))
	assert.NoFileExists(t, CachePath(e.CacheRoot(), url, 1000))
}

func TestRunHTTPErrorIsNetworkError(t *testing.T) {
	srv := testutils.NewServer(t)
	e := newTestEngine(t)

	res := e.Run(context.Background(), Request{URL: srv.URL + "/missing.jpg", ExpectedSize: 10})
	assert.True(t, errors.Is(res.Err, ErrNetwork))
	assert.True(t, errors.Is(res.Err, ErrNotFound))
	assert.Equal(t, OutcomeFailed, res.Outcome())

	url := srv.Add("/boom.jpg", &testutils.File{Status: 503})
	res = e.Run(context.Background(), Request{URL: url})
	assert.True(t, errors.Is(res.Err, ErrServerError))
}

func TestRunRangeNotSatisfiableDropsPartial(t *testing.T) {
	srv := testutils.NewServer(t)
	data := testutils.GenerateTestData(1000)
	url := srv.Add("/e.jpg", &testutils.File{Data: data})

	e := newTestEngine(t)
	partial := PartialPath(e.CacheRoot(), url, 0)
	require.NoError(t, os.MkdirAll(filepath.Dir(partial), 0755))
	require.NoError(t, os.WriteFile(partial, make([]byte, 1500), 0644))

	res := e.Run(context.Background(), Request{URL: url, Destination: filepath.Join(t.TempDir(), "e.jpg")})
	assert.True(t, errors.Is(res.Err, ErrRangeUnsupported))
	assert.Equal(t, []string{"bytes=1500-"}, srv.Ranges())
	assert.NoFileExists(t, partial)

	// 下一次从头下载
	res = e.Run(context.Background(), Request{URL: url, Destination: filepath.Join(t.TempDir(), "e.jpg")})
	require.NoError(t, res.Err)
	assert.Equal(t, int64(1000), res.Downloaded)
}

func TestRunRangeNotSatisfiableFinalizesCompletePartial(t *testing.T) {
	srv := testutils.NewServer(t)
	data := testutils.GenerateTestData(1000)
	url := srv.Add("/f.jpg", &testutils.File{Data: data})

	// 上次写完但未改名就退出
	e := newTestEngine(t)
	partial := PartialPath(e.CacheRoot(), url, 0)
	require.NoError(t, os.MkdirAll(filepath.Dir(partial), 0755))
	require.NoError(t, os.WriteFile(partial, data, 0644))

	dest := filepath.Join(t.TempDir(), "f.jpg")
	res := e.Run(context.Background(), Request{URL: url, Destination: dest})
	require.NoError(t, res.Err)
	assert.Equal(t, []string{"bytes=1000-"}, srv.Ranges())
	assert.Equal(t, int64(0), srv.BytesServed.Load())
	assert.Equal(t, int64(1000), res.Downloaded)
	assert.NoFileExists(t, partial)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestRunDeduplicatesSameCacheKey(t *testing.T) {
	srv := testutils.NewServer(t)
	data := testutils.GenerateTestData(1000)
	file := &testutils.File{Data: data, GateAt: 300}
	url := srv.Add("/h.jpg", file)

	e := newTestEngine(t)
	dir := t.TempDir()

	var wg sync.WaitGroup
	results := make([]Result, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0] = e.Run(context.Background(), Request{TaskID: 1, URL: url, Destination: filepath.Join(dir, "1.jpg"), ExpectedSize: 1000})
	}()
	<-srv.Gated

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1] = e.Run(context.Background(), Request{TaskID: 2, URL: url, Destination: filepath.Join(dir, "2.jpg"), ExpectedSize: 1000})
	}()

	require.Eventually(t, func() bool { return e.Busy(url, 1000) }, time.Second, 5*time.Millisecond)
	file.Release()
	wg.Wait()

	require.NoError(t, results[0].Err)
	require.NoError(t, results[1].Err)
	assert.True(t, results[1].CacheHit)
	assert.Equal(t, int32(1), srv.Hits.Load())

	for _, name := range []string{"1.jpg", "2.jpg"} {
		got, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Equal(t, data, got)
	}
}

func TestPurge(t *testing.T) {
	e := newTestEngine(t)
	url := "https://w.example/p.jpg"
	dest := filepath.Join(t.TempDir(), "p.jpg")

	final := CachePath(e.CacheRoot(), url, 10)
	require.NoError(t, os.MkdirAll(filepath.Dir(final), 0755))
	for _, p := range []string{final, final + PartialSuffix, dest} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0644))
	}

	require.NoError(t, e.Purge(url, 10, dest, false))
	assert.NoFileExists(t, dest)
	assert.FileExists(t, final)

	require.NoError(t, e.Purge(url, 10, dest, true))
	assert.NoFileExists(t, final)
	assert.NoFileExists(t, final+PartialSuffix)

	// 重复删除不报错
	require.NoError(t, e.Purge(url, 10, dest, true))
}

func TestPurgeKeepsCacheInUse(t *testing.T) {
	srv := testutils.NewServer(t)
	data := testutils.GenerateTestData(1000)
	file := &testutils.File{Data: data, GateAt: 300}
	url := srv.Add("/busy.jpg", file)

	e := newTestEngine(t)
	done := make(chan Result, 1)
	go func() {
		done <- e.Run(context.Background(), Request{URL: url, ExpectedSize: 1000})
	}()
	<-srv.Gated

	partial := PartialPath(e.CacheRoot(), url, 1000)
	require.Eventually(t, func() bool { return fileSize(partial) == 300 }, time.Second, 5*time.Millisecond)

	dest := filepath.Join(t.TempDir(), "busy.jpg")
	require.NoError(t, os.WriteFile(dest, []byte("x"), 0644))
	require.NoError(t, e.Purge(url, 1000, dest, true))
	assert.NoFileExists(t, dest)
	assert.FileExists(t, partial)
	assert.False(t, e.WithKeyLock(CacheKey(url, 1000), func() {}))

	file.Release()
	res := <-done
	require.NoError(t, res.Err)
	assert.Equal(t, int64(1000), fileSize(CachePath(e.CacheRoot(), url, 1000)))
	assert.True(t, e.WithKeyLock(CacheKey(url, 1000), func() {}))
}

func waitForProgress(t *testing.T, sub *Subscription[Progress], atLeast int64) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case p := <-sub.C:
			if p.Downloaded >= atLeast {
				return
			}
		case <-timeout:
			t.Fatalf("no progress reached %d bytes", atLeast)
		}
	}
}
