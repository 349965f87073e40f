package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"wallfetch/app/logger"
	"wallfetch/app/utils/downloader"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	_ "golang.org/x/image/webp"
)

// ThumbDir 缩略图缓存目录
const ThumbDir = "thumbs"

// ImageLoader 直接通过缓存获取图片，与队列中的任务共用同一个传输引擎
type ImageLoader struct {
	engine  *downloader.Engine
	logger  *logger.Logger
	quality int
}

// NewImageLoader 创建图片加载服务
func NewImageLoader(engine *downloader.Engine, log *logger.Logger, quality int) *ImageLoader {
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	return &ImageLoader{engine: engine, logger: log, quality: quality}
}

// Load 返回图片的缓存文件路径，未缓存时先下载
func (l *ImageLoader) Load(ctx context.Context, url string, size int64) (string, error) {
	if path, ok := l.engine.Cached(url, size); ok {
		return path, nil
	}

	res := l.engine.Run(ctx, downloader.Request{URL: url, ExpectedSize: size})
	if res.Err != nil {
		return "", res.Err
	}
	return res.CachePath, nil
}

// ThumbnailPath 缩略图在缓存目录中的位置
func (l *ImageLoader) ThumbnailPath(url string, size int64, w, h int) string {
	name := fmt.Sprintf("%s_%dx%d.jpg", downloader.CacheKey(url, size), w, h)
	return filepath.Join(l.engine.CacheRoot(), ThumbDir, name)
}

// Thumbnail 返回按 w×h 裁剪缩放后的 JPEG 缩略图路径
func (l *ImageLoader) Thumbnail(ctx context.Context, url string, size int64, w, h int) (string, error) {
	if w <= 0 || h <= 0 {
		return "", fmt.Errorf("无效的缩略图尺寸: %dx%d", w, h)
	}

	thumb := l.ThumbnailPath(url, size, w, h)
	if _, err := os.Stat(thumb); err == nil {
		return thumb, nil
	}

	src, err := l.Load(ctx, url, size)
	if err != nil {
		return "", err
	}

	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("解码图片失败: %w", err)
	}
	img = imaging.Fill(img, w, h, imaging.Center, imaging.Lanczos)

	if err := os.MkdirAll(filepath.Dir(thumb), 0755); err != nil {
		return "", fmt.Errorf("创建缩略图目录失败: %w", err)
	}
	tmp := thumb + "." + uuid.NewString() + ".tmp"
	if err := imaging.Save(img, tmp, imaging.JPEGQuality(l.quality)); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("保存缩略图失败: %w", err)
	}
	if err := os.Rename(tmp, thumb); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("保存缩略图失败: %w", err)
	}

	l.logger.Debugf("生成缩略图: %s (%dx%d)", url, w, h)
	return thumb, nil
}
