package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jo-hoe/chunkscribe/internal/chunks"
	"github.com/jo-hoe/chunkscribe/internal/common"
)

// itemRow is the persisted form of an Item.
type itemRow struct {
	ID          string `gorm:"primaryKey;size:36"`
	JobID       string `gorm:"index;size:64"`
	ChunkIndex  int
	Payload     string `gorm:"type:text"`
	State       string `gorm:"index;size:16"`
	Priority    int    `gorm:"index"`
	Attempt     int
	MaxAttempts int
	Progress    int
	LastError   string    `gorm:"type:text"`
	RunAt       time.Time `gorm:"index"`
	LockedBy    string    `gorm:"size:128"`
	LockedUntil *time.Time
	CreatedAt   time.Time
	FinishedAt  *time.Time
}

func (itemRow) TableName() string { return "queue_items" }

func (r itemRow) toItem() (*Item, error) {
	var task chunks.Task
	if err := json.Unmarshal([]byte(r.Payload), &task); err != nil {
		return nil, fmt.Errorf("decode task payload: %w", err)
	}
	it := &Item{
		ID:          r.ID,
		Task:        task,
		State:       State(r.State),
		Priority:    r.Priority,
		Attempt:     r.Attempt,
		MaxAttempts: r.MaxAttempts,
		Progress:    r.Progress,
		LastError:   r.LastError,
		RunAt:       r.RunAt,
		LockedBy:    r.LockedBy,
		CreatedAt:   r.CreatedAt,
	}
	if r.LockedUntil != nil {
		it.LockedUntil = *r.LockedUntil
	}
	if r.FinishedAt != nil {
		it.FinishedAt = *r.FinishedAt
	}
	return it, nil
}

// GormQueue is a durable Queue backed by a GORM database, so api and worker
// processes can share it.
type GormQueue struct {
	db     *gorm.DB
	policy Policy
	now    func() time.Time
}

var _ Queue = (*GormQueue)(nil)

// OpenSQLite opens a GORM SQLite database for the queue at path.
func OpenSQLite(path string) (*gorm.DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL", path, common.SQLiteBusyTimeoutMS)
	if path == ":memory:" {
		dsn = ":memory:"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get underlying sql.DB: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:" shared.
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// NewGormQueue migrates the schema and returns a queue over db.
func NewGormQueue(ctx context.Context, db *gorm.DB, policy Policy) (*GormQueue, error) {
	if err := db.WithContext(ctx).AutoMigrate(&itemRow{}); err != nil {
		return nil, fmt.Errorf("migrate queue schema: %w", err)
	}
	return &GormQueue{db: db, policy: policy.normalized(), now: time.Now}, nil
}

func (q *GormQueue) Enqueue(ctx context.Context, task chunks.Task, opts ...Option) (string, error) {
	o := buildOptions(q.policy, opts)
	payload, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("encode task payload: %w", err)
	}
	now := q.now().UTC()
	row := itemRow{
		ID:          uuid.NewString(),
		JobID:       task.JobID,
		ChunkIndex:  task.ChunkIndex,
		Payload:     string(payload),
		State:       string(StateWaiting),
		Priority:    o.Priority,
		MaxAttempts: o.MaxAttempts,
		RunAt:       now.Add(o.Delay),
		CreatedAt:   now,
	}
	if err := q.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", fmt.Errorf("enqueue task: %w", err)
	}
	return row.ID, nil
}

// Dequeue fetches and locks the next available item.
func (q *GormQueue) Dequeue(ctx context.Context, workerID string) (*Item, error) {
	var row itemRow
	now := q.now().UTC()
	lockUntil := now.Add(q.policy.VisibilityTimeout)

	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Exhausted items with a lapsed lease are left for Reap.
		result := tx.
			Where("(state = ? AND run_at <= ?) OR (state = ? AND locked_until < ? AND attempt < max_attempts)",
				StateWaiting, now, StateActive, now).
			Order("priority DESC, run_at ASC, created_at ASC").
			First(&row)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return nil
			}
			return result.Error
		}

		row.State = string(StateActive)
		row.LockedBy = workerID
		row.LockedUntil = &lockUntil
		row.Attempt++
		return tx.Save(&row).Error
	})
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	if row.ID == "" {
		return nil, ErrEmpty
	}
	return row.toItem()
}

func (q *GormQueue) Complete(ctx context.Context, id, workerID string) error {
	now := q.now().UTC()
	result := q.db.WithContext(ctx).
		Model(&itemRow{}).
		Where("id = ? AND locked_by = ? AND state = ?", id, workerID, StateActive).
		Updates(map[string]any{
			"state":        StateCompleted,
			"progress":     100,
			"finished_at":  now,
			"locked_by":    "",
			"locked_until": nil,
		})
	if result.Error != nil {
		return fmt.Errorf("complete item: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotOwned
	}
	return nil
}

func (q *GormQueue) Fail(ctx context.Context, id, workerID string, cause error) (bool, error) {
	retrying := false
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row itemRow
		if err := tx.Where("id = ? AND locked_by = ? AND state = ?", id, workerID, StateActive).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotOwned
			}
			return err
		}
		now := q.now().UTC()
		updates := map[string]any{
			"last_error":   causeText(cause),
			"locked_by":    "",
			"locked_until": nil,
		}
		if row.Attempt < row.MaxAttempts {
			retrying = true
			updates["state"] = StateWaiting
			updates["run_at"] = now.Add(q.policy.BackoffFor(row.Attempt))
		} else {
			updates["state"] = StateFailed
			updates["finished_at"] = now
		}
		return tx.Model(&itemRow{}).Where("id = ?", id).Updates(updates).Error
	})
	if err != nil {
		if errors.Is(err, ErrNotOwned) {
			return false, err
		}
		return false, fmt.Errorf("fail item: %w", err)
	}
	return retrying, nil
}

func (q *GormQueue) Release(ctx context.Context, id, workerID string) error {
	result := q.db.WithContext(ctx).
		Model(&itemRow{}).
		Where("id = ? AND locked_by = ? AND state = ?", id, workerID, StateActive).
		Updates(map[string]any{
			"state":        StateWaiting,
			"attempt":      gorm.Expr("CASE WHEN attempt > 0 THEN attempt - 1 ELSE 0 END"),
			"progress":     0,
			"run_at":       q.now().UTC(),
			"locked_by":    "",
			"locked_until": nil,
		})
	if result.Error != nil {
		return fmt.Errorf("release item: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotOwned
	}
	return nil
}

// Reap fails items whose lease lapsed on their last allowed attempt.
func (q *GormQueue) Reap(ctx context.Context) ([]Item, error) {
	now := q.now().UTC()
	var reaped []Item
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []itemRow
		cond := "state = ? AND locked_until < ? AND attempt >= max_attempts"
		if err := tx.Where(cond, StateActive, now).Find(&rows).Error; err != nil {
			return err
		}
		for _, row := range rows {
			result := tx.Model(&itemRow{}).
				Where("id = ? AND "+cond, row.ID, StateActive, now).
				Updates(map[string]any{
					"state":        StateFailed,
					"last_error":   ErrLeaseExpired.Error(),
					"locked_by":    "",
					"locked_until": nil,
					"finished_at":  now,
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				continue
			}
			it, err := row.toItem()
			if err != nil {
				return err
			}
			it.State = StateFailed
			it.LastError = ErrLeaseExpired.Error()
			it.LockedBy = ""
			it.LockedUntil = time.Time{}
			it.FinishedAt = now
			reaped = append(reaped, *it)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reap expired leases: %w", err)
	}
	return reaped, nil
}

func (q *GormQueue) Progress(ctx context.Context, id string, pct int) error {
	result := q.db.WithContext(ctx).
		Model(&itemRow{}).
		Where("id = ? AND state = ?", id, StateActive).
		Update("progress", percent(pct))
	if result.Error != nil {
		return fmt.Errorf("update progress: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotOwned
	}
	return nil
}

func (q *GormQueue) Stats(ctx context.Context) (Stats, error) {
	type stateCount struct {
		State   string
		Delayed bool
		N       int
	}
	var rows []stateCount
	now := q.now().UTC()
	err := q.db.WithContext(ctx).
		Model(&itemRow{}).
		Select("state, (state = ? AND run_at > ?) AS delayed, COUNT(*) AS n", StateWaiting, now).
		Group("state, delayed").
		Scan(&rows).Error
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	var s Stats
	for _, r := range rows {
		switch State(r.State) {
		case StateWaiting:
			if r.Delayed {
				s.Delayed += r.N
			} else {
				s.Waiting += r.N
			}
		case StateActive:
			s.Active += r.N
		case StateCompleted:
			s.Completed += r.N
		case StateFailed:
			s.Failed += r.N
		}
	}
	return s, nil
}

func (q *GormQueue) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	result := q.db.WithContext(ctx).
		Where("state IN ? AND finished_at < ?", []string{string(StateCompleted), string(StateFailed)}, cutoff.UTC()).
		Delete(&itemRow{})
	if result.Error != nil {
		return 0, fmt.Errorf("prune queue: %w", result.Error)
	}
	return int(result.RowsAffected), nil
}

func (q *GormQueue) Close() error {
	sqlDB, err := q.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
