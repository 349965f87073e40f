package service

import (
	"fmt"

	"wallfetch/app/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TaskStore 任务列表的持久化接口
type TaskStore interface {
	// Load 返回上次保存的任务列表，按展示顺序排列
	Load() ([]model.DownloadTask, error)
	// Save 用给定列表整体替换已保存的任务
	Save(tasks []model.DownloadTask) error
}

// GormTaskStore 基于 gorm 的任务存储
type GormTaskStore struct {
	db *gorm.DB
}

// NewGormTaskStore 创建任务存储
func NewGormTaskStore(db *gorm.DB) *GormTaskStore {
	return &GormTaskStore{db: db}
}

// Load 按创建时间倒序读取任务
func (s *GormTaskStore) Load() ([]model.DownloadTask, error) {
	var tasks []model.DownloadTask
	if err := s.db.Order("created_at DESC").Order("id DESC").Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("读取下载任务失败: %w", err)
	}
	return tasks, nil
}

// 单条语句绑定的变量数受 SQLite 限制，按批写入和删除
const (
	saveBatchSize   = 200
	deleteBatchSize = 500
)

// Save 在一个事务中删除多余的记录并写入当前任务
func (s *GormTaskStore) Save(tasks []model.DownloadTask) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if len(tasks) == 0 {
			return tx.Where("1 = 1").Delete(&model.DownloadTask{}).Error
		}

		var stored []uint64
		if err := tx.Model(&model.DownloadTask{}).Pluck("id", &stored).Error; err != nil {
			return fmt.Errorf("读取已保存任务失败: %w", err)
		}
		keep := make(map[uint64]bool, len(tasks))
		for _, t := range tasks {
			keep[t.ID] = true
		}
		stale := make([]uint64, 0, len(stored))
		for _, id := range stored {
			if !keep[id] {
				stale = append(stale, id)
			}
		}
		for start := 0; start < len(stale); start += deleteBatchSize {
			end := min(start+deleteBatchSize, len(stale))
			if err := tx.Where("id IN ?", stale[start:end]).Delete(&model.DownloadTask{}).Error; err != nil {
				return fmt.Errorf("删除过期任务失败: %w", err)
			}
		}

		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).CreateInBatches(&tasks, saveBatchSize).Error; err != nil {
			return fmt.Errorf("保存下载任务失败: %w", err)
		}
		return nil
	})
}
