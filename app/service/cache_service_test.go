package service

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wallfetch/app/logger"
	"wallfetch/app/utils/downloader"
	"wallfetch/app/utils/testutils"
)

type staticKeys map[string]bool

func (s staticKeys) ReferencedKeys() (map[string]bool, error) { return s, nil }

// busyKeys 模拟正在传输的缓存键
type busyKeys map[string]bool

func (b busyKeys) WithKeyLock(key string, fn func()) bool {
	if b[key] {
		return false
	}
	fn()
	return true
}

func writePartial(t *testing.T, root, url string, size int64, age time.Duration) string {
	t.Helper()
	path := downloader.PartialPath(root, url, size)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("partial"), 0644))
	mtime := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	return path
}

func TestCacheJanitorSweep(t *testing.T) {
	root := t.TempDir()
	stale := writePartial(t, root, "https://w.example/stale.jpg", 10, 48*time.Hour)
	fresh := writePartial(t, root, "https://w.example/fresh.jpg", 10, time.Minute)
	kept := writePartial(t, root, "https://w.example/kept.jpg", 10, 48*time.Hour)
	busy := writePartial(t, root, "https://w.example/busy.jpg", 10, 48*time.Hour)

	final := downloader.CachePath(root, "https://w.example/done.jpg", 10)
	require.NoError(t, os.WriteFile(final, []byte("done"), 0644))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(final, old, old))

	keys := staticKeys{downloader.CacheKey("https://w.example/kept.jpg", 10): true}
	locks := busyKeys{downloader.CacheKey("https://w.example/busy.jpg", 10): true}
	j := NewCacheJanitor(root, 24*time.Hour, keys, locks, logger.Nop())

	removed, freed, err := j.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, int64(len("partial")), freed)

	assert.NoFileExists(t, stale)
	assert.FileExists(t, fresh)
	assert.FileExists(t, kept)
	assert.FileExists(t, busy)
	assert.FileExists(t, final)
}

func TestCacheJanitorMissingDir(t *testing.T) {
	j := NewCacheJanitor(filepath.Join(t.TempDir(), "none"), time.Hour, staticKeys{}, busyKeys{}, logger.Nop())
	removed, _, err := j.Sweep()
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestCacheJanitorRejectsBadSpec(t *testing.T) {
	j := NewCacheJanitor(t.TempDir(), time.Hour, staticKeys{}, busyKeys{}, logger.Nop())
	assert.Error(t, j.Start("not a spec"))
	require.NoError(t, j.Start("@every 1h"))
	j.Stop()
	j.Stop()
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestImageLoaderThumbnail(t *testing.T) {
	srv := testutils.NewServer(t)
	data := testPNG(t, 64, 48)
	url := srv.Add("/wall.png", &testutils.File{Data: data})
	size := int64(len(data))

	engine := downloader.NewEngine(downloader.DefaultOptions(t.TempDir()), nil)
	defer engine.Close()
	l := NewImageLoader(engine, logger.Nop(), 90)

	path, err := l.Load(context.Background(), url, size)
	require.NoError(t, err)
	assert.Equal(t, downloader.CachePath(engine.CacheRoot(), url, size), path)

	thumb, err := l.Thumbnail(context.Background(), url, size, 16, 16)
	require.NoError(t, err)
	assert.Equal(t, l.ThumbnailPath(url, size, 16, 16), thumb)

	img, err := imaging.Open(thumb)
	require.NoError(t, err)
	assert.Equal(t, 16, img.Bounds().Dx())
	assert.Equal(t, 16, img.Bounds().Dy())

	// 已缓存的原图和缩略图都不再访问网络
	_, err = l.Thumbnail(context.Background(), url, size, 16, 16)
	require.NoError(t, err)
	assert.Equal(t, int32(1), srv.Hits.Load())
}

func TestImageLoaderErrors(t *testing.T) {
	srv := testutils.NewServer(t)
	engine := downloader.NewEngine(downloader.DefaultOptions(t.TempDir()), nil)
	defer engine.Close()
	l := NewImageLoader(engine, logger.Nop(), 0)

	_, err := l.Thumbnail(context.Background(), srv.URL+"/x.jpg", 0, 0, 10)
	assert.Error(t, err)

	_, err = l.Load(context.Background(), srv.URL+"/missing.jpg", 0)
	assert.ErrorIs(t, err, downloader.ErrNetwork)

	url := srv.Add("/junk.jpg", &testutils.File{Data: []byte("not an image")})
	_, err = l.Thumbnail(context.Background(), url, 0, 8, 8)
	assert.Error(t, err)
}
