package handler

import (
	"net/http"

	"wallfetch/app/config"
	"wallfetch/app/logger"
	"wallfetch/app/service"

	"github.com/fogleman/gg"
	"github.com/gin-gonic/gin"
)

const maxThumbnailSide = 2048

// ThumbnailHandler 缩略图处理器
type ThumbnailHandler struct {
	loader *service.ImageLoader
	config config.ThumbnailConfig
	logger *logger.Logger
}

// NewThumbnailHandler 创建缩略图处理器
func NewThumbnailHandler(loader *service.ImageLoader, cfg config.ThumbnailConfig, log *logger.Logger) *ThumbnailHandler {
	return &ThumbnailHandler{loader: loader, config: cfg, logger: log}
}

// ThumbnailQuery 缩略图请求参数
type ThumbnailQuery struct {
	URL  string `form:"url" binding:"required"`
	Size int64  `form:"size" binding:"min=0"`
	W    int    `form:"w" binding:"min=0"`
	H    int    `form:"h" binding:"min=0"`
}

// GetThumbnail 返回壁纸缩略图；获取或解码失败时返回占位图
func (h *ThumbnailHandler) GetThumbnail(c *gin.Context) {
	var q ThumbnailQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}
	if q.W == 0 {
		q.W = h.config.Width
	}
	if q.H == 0 {
		q.H = h.config.Height
	}
	if q.W > maxThumbnailSide || q.H > maxThumbnailSide {
		fail(c, http.StatusBadRequest, "缩略图尺寸过大")
		return
	}

	path, err := h.loader.Thumbnail(c.Request.Context(), q.URL, q.Size, q.W, q.H)
	if err != nil {
		h.logger.Warnf("生成缩略图失败: %s, 错误: %v", q.URL, err)
		h.placeholder(c, q.W, q.H)
		return
	}

	c.Header("Cache-Control", "public, max-age=86400")
	c.File(path)
}

// placeholder 输出灰色占位图
func (h *ThumbnailHandler) placeholder(c *gin.Context, w, hgt int) {
	dc := gg.NewContext(w, hgt)
	dc.SetHexColor("#2b2b2b")
	dc.Clear()

	dc.SetHexColor("#555555")
	dc.SetLineWidth(2)
	dc.DrawLine(0, 0, float64(w), float64(hgt))
	dc.DrawLine(float64(w), 0, 0, float64(hgt))
	dc.Stroke()

	c.Header("Cache-Control", "no-store")
	c.Header("X-Thumbnail-Placeholder", "true")
	c.Header("Content-Type", "image/png")
	c.Status(http.StatusOK)
	if err := dc.EncodePNG(c.Writer); err != nil {
		h.logger.Errorf("输出占位图失败: %v", err)
	}
}
