// Package registry implements the durable, process-wide catalog of running
// and historical loops: the SessionRegistry. It is backed by a single-file
// SQLite database opened through GORM, so the same database can be opened
// concurrently by the supervisor process and by short-lived CLI commands.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	"github.com/ralphrun/ralph/internal/debug"
)

// Status values a SessionRecord can hold. running is the only non-terminal
// status; status transitions only running -> one of the others, never back.
const (
	StatusRunning      = "running"
	StatusStopped      = "stopped"
	StatusCompleted    = "completed"
	StatusFailed       = "failed"
	StatusCheckpointed = "checkpointed"
)

// Record is a persisted SessionRecord row.
type Record struct {
	TaskName      string `gorm:"primaryKey"`
	TaskDir       string
	Agent         string
	Status        string
	StartedAt     time.Time
	UpdatedAt     time.Time
	MaxIterations int
	LastIteration int
	PID           int
	SocketPath    string
	LastPort      int
	FailReason    string
}

// ConflictError is returned by Upsert when a live running record already
// exists for the same task name and force was not requested.
type ConflictError struct {
	TaskName string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("a running session already exists for task %q", e.TaskName)
}

// Registry is a handle on the SessionRegistry database.
type Registry struct {
	db *gorm.DB
}

// Open opens (creating if necessary) the registry database at path.
func Open(path string) (*Registry, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("registry: creating data dir %s: %w", dir, err)
		}
	}
	db, err := gorm.Open(sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        path,
	}, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("registry: opening %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("registry: migrating schema: %w", err)
	}
	return &Registry{db: db}, nil
}

// DefaultPath returns the user-scoped default registry database path.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("registry: resolving home dir: %w", err)
	}
	return filepath.Join(dir, ".local", "share", "ralph", "registry.db"), nil
}

// Close releases the underlying database handle.
func (r *Registry) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Upsert creates or replaces the record for rec.TaskName.
func (r *Registry) Upsert(rec Record, force bool) error {
	return r.retry("upsert", func() error {
		return r.db.Transaction(func(tx *gorm.DB) error {
			var existing Record
			err := tx.Where("task_name = ?", rec.TaskName).First(&existing).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				// no conflict possible
			case err != nil:
				return err
			default:
				if !force && existing.Status == StatusRunning && isProcessAlive(existing.PID) {
					return &ConflictError{TaskName: rec.TaskName}
				}
			}
			rec.UpdatedAt = now()
			if rec.StartedAt.IsZero() {
				rec.StartedAt = rec.UpdatedAt
			}
			return tx.Save(&rec).Error
		})
	})
}

// Get returns the record for taskName, or nil if none exists.
func (r *Registry) Get(taskName string) (*Record, error) {
	var rec Record
	var out *Record
	err := r.retry("get", func() error {
		err := r.db.Where("task_name = ?", taskName).First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			out = nil
			return nil
		}
		if err != nil {
			return err
		}
		out = &rec
		return nil
	})
	return out, err
}

// Filter narrows List results.
type Filter struct {
	Status      string // empty = any
	OnlyAlive   bool
	OnlyForTask string
}

// List returns records matching filter.
func (r *Registry) List(filter Filter) ([]Record, error) {
	var recs []Record
	err := r.retry("list", func() error {
		recs = nil
		q := r.db.Model(&Record{})
		if filter.Status != "" {
			q = q.Where("status = ?", filter.Status)
		}
		if filter.OnlyForTask != "" {
			q = q.Where("task_name = ?", filter.OnlyForTask)
		}
		return q.Order("task_name").Find(&recs).Error
	})
	if err != nil {
		return nil, err
	}
	if filter.OnlyAlive {
		alive := recs[:0]
		for _, rec := range recs {
			if isProcessAlive(rec.PID) {
				alive = append(alive, rec)
			}
		}
		recs = alive
	}
	return recs, nil
}

// MarkTerminal transitions a record to a terminal status. Idempotent.
func (r *Registry) MarkTerminal(taskName, status, reason string) error {
	if status != StatusStopped && status != StatusCompleted && status != StatusFailed && status != StatusCheckpointed {
		return fmt.Errorf("registry: %q is not a terminal status", status)
	}
	return r.retry("mark_terminal", func() error {
		return r.db.Model(&Record{}).
			Where("task_name = ?", taskName).
			Updates(map[string]any{
				"status":      status,
				"fail_reason": reason,
				"updated_at":  now(),
			}).Error
	})
}

// Clean marks any non-terminal record whose PID is dead as failed/orphaned.
func (r *Registry) Clean() (cleaned int, err error) {
	err = r.retry("clean", func() error {
		cleaned = 0
		var recs []Record
		if err := r.db.Where("status = ?", StatusRunning).Find(&recs).Error; err != nil {
			return err
		}
		for _, rec := range recs {
			if isProcessAlive(rec.PID) {
				continue
			}
			if err := r.db.Model(&Record{}).Where("task_name = ?", rec.TaskName).Updates(map[string]any{
				"status":      StatusFailed,
				"fail_reason": "orphaned",
				"updated_at":  now(),
			}).Error; err != nil {
				return err
			}
			cleaned++
		}
		return nil
	})
	return
}

// retry wraps db operations with exponential backoff, per spec.md §4.1/§7:
// registry I/O errors are non-fatal inside the LoopRunner and are retried
// up to five attempts.
func (r *Registry) retry(op string, fn func() error) error {
	var conflict *ConflictError
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4)
	err := backoff.Retry(func() error {
		err := fn()
		if errors.As(err, &conflict) {
			return backoff.Permanent(err)
		}
		if err != nil {
			debug.LogKV("registry", "transient I/O error, retrying", "op", op, "error", err)
		}
		return err
	}, policy)
	return err
}

func now() time.Time { return time.Now() }

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
