package model

import (
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// TaskStatus 下载任务状态
type TaskStatus string

const (
	TaskStatusWaiting     TaskStatus = "waiting"     // 等待空闲槽位
	TaskStatusDownloading TaskStatus = "downloading" // 正在传输
	TaskStatusPaused      TaskStatus = "paused"      // 已暂停，保留已下载部分
	TaskStatusCompleted   TaskStatus = "completed"   // 已完成
	TaskStatusFailed      TaskStatus = "failed"      // 失败，原因见 FailReason
	TaskStatusCancelled   TaskStatus = "cancelled"   // 已取消
)

// IsActive 是否占用或等待并发槽位
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusWaiting || s == TaskStatusDownloading
}

// CanStart 暂停的任务可以继续
func (s TaskStatus) CanStart() bool {
	return s == TaskStatusPaused
}

// CanPause 等待中或下载中的任务可以暂停
func (s TaskStatus) CanPause() bool {
	return s == TaskStatusWaiting || s == TaskStatusDownloading
}

// CanRetry 暂停、失败、取消的任务可以重新下载
func (s TaskStatus) CanRetry() bool {
	return s == TaskStatusPaused || s == TaskStatusFailed || s == TaskStatusCancelled
}

// CanCancel 尚未结束的任务可以取消
func (s TaskStatus) CanCancel() bool {
	return s == TaskStatusWaiting || s == TaskStatusDownloading || s == TaskStatusPaused
}

// DownloadTask 下载任务
type DownloadTask struct {
	ID             uint64     `json:"id" gorm:"primaryKey;autoIncrement:false"`
	URL            string     `json:"url" gorm:"not null;index"`
	SavePath       string     `json:"save_path" gorm:"not null"`
	FileName       string     `json:"file_name"`
	Proxy          string     `json:"proxy"`
	FileType       string     `json:"file_type" gorm:"size:32"`
	ExpectedSize   int64      `json:"expected_size" gorm:"default:0"` // 创建时已知的大小，参与缓存键计算
	DownloadedSize int64      `json:"downloaded_size" gorm:"default:0"`
	TotalSize      int64      `json:"total_size" gorm:"default:0"` // 响应头到达前为 0
	Speed          float64    `json:"speed" gorm:"-"`              // 字节/秒
	Status         TaskStatus `json:"status" gorm:"size:20;index"`
	FailReason     string     `json:"fail_reason" gorm:"type:text"`
	StartTime      *time.Time `json:"start_time"`
	CreatedAt      time.Time  `json:"created_at"`
	QueueOrder     int64      `json:"queue_order" gorm:"index"`
}

// TableName 指定表名
func (DownloadTask) TableName() string {
	return "download_tasks"
}

// Progress 返回 0~1 的下载进度
func (t *DownloadTask) Progress() float64 {
	if t.TotalSize <= 0 {
		return 0
	}
	p := float64(t.DownloadedSize) / float64(t.TotalSize)
	if p > 1 {
		return 1
	}
	return p
}

// NormalizeFileName 统一文件名的 Unicode 形式并去掉路径分隔符
func NormalizeFileName(name string) string {
	name = norm.NFC.String(strings.TrimSpace(name))
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" {
		return ""
	}
	return name
}
