package repo

import (
	"context"
	"sync"
	"time"

	"sitelimit/internal/storage/model"

	"gorm.io/gorm"
)

// VerdictRepo 裁决历史仓库
// 写入走内存缓冲异步批量落库，裁决路径不等待磁盘
type VerdictRepo struct {
	db        *gorm.DB
	buffer    []model.VerdictRecord
	bufferMu  sync.Mutex
	batchSize int
	flushCh   chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewVerdictRepo 创建裁决历史仓库实例并启动异步写入协程
func NewVerdictRepo(db *gorm.DB) *VerdictRepo {
	r := &VerdictRepo{
		db:        db,
		buffer:    make([]model.VerdictRecord, 0, 64),
		batchSize: 32,
		flushCh:   make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	r.wg.Add(1)
	go r.asyncWriter()
	return r
}

// asyncWriter 异步批量写入协程
func (r *VerdictRepo) asyncWriter() {
	defer r.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			// 停止前刷新剩余数据
			r.flush()
			return
		case <-ticker.C:
			r.flush()
		case <-r.flushCh:
			r.flush()
		}
	}
}

// flush 刷新缓冲区到数据库
func (r *VerdictRepo) flush() {
	r.bufferMu.Lock()
	if len(r.buffer) == 0 {
		r.bufferMu.Unlock()
		return
	}
	toWrite := r.buffer
	r.buffer = make([]model.VerdictRecord, 0, 64)
	r.bufferMu.Unlock()

	// 落库失败不阻塞裁决路径
	_ = r.db.CreateInBatches(toWrite, r.batchSize).Error
}

// Stop 停止异步写入并刷出剩余缓冲
func (r *VerdictRepo) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

// Record 记录一条裁决（异步写入数据库）
func (r *VerdictRepo) Record(rec model.VerdictRecord) {
	rec.CreatedAt = time.Now()

	r.bufferMu.Lock()
	r.buffer = append(r.buffer, rec)
	full := len(r.buffer) >= r.batchSize
	r.bufferMu.Unlock()

	if full {
		select {
		case r.flushCh <- struct{}{}:
		default:
		}
	}
}

// Recent 查询最近的裁决记录，按裁决时刻倒序
func (r *VerdictRepo) Recent(ctx context.Context, limit int) ([]model.VerdictRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	// 先刷出缓冲，保证查询能看到刚发生的裁决
	r.flush()

	var records []model.VerdictRecord
	err := r.db.WithContext(ctx).
		Order("timestamp desc").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// CountByReason 按原因统计裁决数量
func (r *VerdictRepo) CountByReason(ctx context.Context, reason string) (int64, error) {
	r.flush()

	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.VerdictRecord{}).
		Where("reason = ?", reason).
		Count(&count).Error
	return count, err
}
