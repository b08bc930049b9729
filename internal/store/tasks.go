package store

import (
	"encoding/json"
	"sort"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/poduptrigger/poduptrigger/internal/domain"
)

// validTransitions encodes the Task status DAG:
// pending → running → {succeeded, failed, cancelled}; pending → skipped.
var validTransitions = map[string]map[string]bool{
	domain.StatusPending: {
		domain.StatusRunning:   true,
		domain.StatusSkipped:   true,
		domain.StatusSucceeded: true, // zero-unit tasks may finish without ever running
		domain.StatusFailed:    true,
		domain.StatusCancelled: true,
	},
	domain.StatusRunning: {
		domain.StatusSucceeded: true,
		domain.StatusFailed:    true,
		domain.StatusCancelled: true,
	},
}

func taskUnitKey(taskID, unit string) []byte {
	return []byte(taskID + "\x00" + unit)
}

// CreateTask atomically writes a task, its initial units, and a
// "task-created" log entry. Rejects a duplicate task_id.
func (s *Store) CreateTask(task domain.Task, units []domain.TaskUnit) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		tasks := tx.Bucket(bucketTasks)
		if tasks.Get([]byte(task.TaskID)) != nil {
			return ErrDuplicateTaskID
		}
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		if err := tasks.Put([]byte(task.TaskID), data); err != nil {
			return err
		}

		unitsBucket := tx.Bucket(bucketTaskUnits)
		for _, u := range units {
			ud, err := json.Marshal(u)
			if err != nil {
				return err
			}
			if err := unitsBucket.Put(taskUnitKey(task.TaskID, u.Unit), ud); err != nil {
				return err
			}
		}

		return appendTaskLogTx(tx, domain.TaskLog{
			TaskID:  task.TaskID,
			TS:      task.CreatedAt,
			Level:   domain.LevelInfo,
			Action:  domain.ActionTaskCreated,
			Status:  task.Status,
			Summary: "task created",
		})
	})
}

// GetTask returns a task by id.
func (s *Store) GetTask(taskID string) (*domain.Task, error) {
	var task domain.Task
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(taskID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &task)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return &task, nil
}

// UpdateTaskStatus enforces the status DAG; returns false (no error) if the
// requested transition is illegal.
func (s *Store) UpdateTaskStatus(taskID, newStatus string, now int64) (bool, error) {
	ok := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		tasks := tx.Bucket(bucketTasks)
		data := tasks.Get([]byte(taskID))
		if data == nil {
			return ErrNotFound
		}
		var task domain.Task
		if err := json.Unmarshal(data, &task); err != nil {
			return err
		}
		if task.Status == newStatus {
			ok = true // idempotent no-op, e.g. repeated force-stop on a terminal task
			return nil
		}
		if !validTransitions[task.Status][newStatus] {
			return nil
		}
		task.Status = newStatus
		task.UpdatedAt = now
		if newStatus == domain.StatusRunning && task.StartedAt == 0 {
			task.StartedAt = now
		}
		if domain.IsTerminal(newStatus) && task.FinishedAt == 0 {
			task.FinishedAt = now
		}
		out, err := json.Marshal(task)
		if err != nil {
			return err
		}
		if err := tasks.Put([]byte(taskID), out); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok, err
}

// TouchTask updates updated_at/meta/summary without a status change —
// used for e.g. attaching a retry_of link or updated summary text.
func (s *Store) TouchTask(taskID string, mutate func(*domain.Task)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		tasks := tx.Bucket(bucketTasks)
		data := tasks.Get([]byte(taskID))
		if data == nil {
			return ErrNotFound
		}
		var task domain.Task
		if err := json.Unmarshal(data, &task); err != nil {
			return err
		}
		mutate(&task)
		out, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return tasks.Put([]byte(taskID), out)
	})
}

// UpdateUnit upserts a task unit (idempotent per (task_id, unit)).
func (s *Store) UpdateUnit(u domain.TaskUnit) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(u)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTaskUnits).Put(taskUnitKey(u.TaskID, u.Unit), data)
	})
}

// ListUnits returns all units for a task.
func (s *Store) ListUnits(taskID string) ([]domain.TaskUnit, error) {
	var out []domain.TaskUnit
	prefix := []byte(taskID + "\x00")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTaskUnits).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var u domain.TaskUnit
			if err := json.Unmarshal(v, &u); err != nil {
				continue
			}
			out = append(out, u)
		}
		return nil
	})
	return out, err
}

// AppendTaskLog appends a log entry under a per-task nested bucket whose
// own bolt sequence counter gives strict insertion ordering, without a
// separate in-memory lock: BoltDB already allows only one write
// transaction at a time.
func (s *Store) AppendTaskLog(entry domain.TaskLog) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return appendTaskLogTx(tx, entry)
	})
}

func appendTaskLogTx(tx *bolt.Tx, entry domain.TaskLog) error {
	logs := tx.Bucket(bucketTaskLogs)
	taskLogs, err := logs.CreateBucketIfNotExists([]byte(entry.TaskID))
	if err != nil {
		return err
	}
	seq, err := taskLogs.NextSequence()
	if err != nil {
		return err
	}
	entry.Seq = seq
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return taskLogs.Put(seqKey(seq), data)
}

// ListTaskLogs returns the ordered log timeline for a task.
func (s *Store) ListTaskLogs(taskID string) ([]domain.TaskLog, error) {
	var out []domain.TaskLog
	err := s.db.View(func(tx *bolt.Tx) error {
		taskLogs := tx.Bucket(bucketTaskLogs).Bucket([]byte(taskID))
		if taskLogs == nil {
			return nil
		}
		c := taskLogs.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var l domain.TaskLog
			if err := json.Unmarshal(v, &l); err != nil {
				continue
			}
			out = append(out, l)
		}
		return nil
	})
	return out, err
}

// TaskDetail aggregates a task with its units and log timeline, the payload
// for GET /api/tasks/:id.
type TaskDetail struct {
	Task  domain.Task       `json:"task"`
	Units []domain.TaskUnit `json:"units"`
	Logs  []domain.TaskLog  `json:"logs"`
}

// GetTaskWithLogs returns a task plus its units and ordered log timeline.
func (s *Store) GetTaskWithLogs(taskID string) (*TaskDetail, error) {
	task, err := s.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	units, err := s.ListUnits(taskID)
	if err != nil {
		return nil, err
	}
	logs, err := s.ListTaskLogs(taskID)
	if err != nil {
		return nil, err
	}
	return &TaskDetail{Task: *task, Units: units, Logs: logs}, nil
}

// TaskFilter narrows ListTasks results.
type TaskFilter struct {
	Status        string
	Kind          string
	UnitSubstring string
	TriggerSource string
}

// ListTasks returns tasks newest-first matching filter, paginated. Filtering
// on unit text requires a join against task_units, so this scans tasks and
// looks up units only for candidates that otherwise match — cheap at
// single-host scale.
func (s *Store) ListTasks(filter TaskFilter, page Page) ([]domain.Task, error) {
	var out []domain.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTasks).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var t domain.Task
			if err := json.Unmarshal(v, &t); err != nil {
				continue
			}
			if filter.Status != "" && t.Status != filter.Status {
				continue
			}
			if filter.Kind != "" && t.Kind != filter.Kind {
				continue
			}
			if filter.TriggerSource != "" && t.Trigger.Source != filter.TriggerSource {
				continue
			}
			if filter.UnitSubstring != "" {
				units := tx.Bucket(bucketTaskUnits)
				if !taskHasUnitSubstring(units, t.TaskID, filter.UnitSubstring) {
					continue
				}
			}
			out = append(out, t)
		}
		return nil
	})
	if err != nil || page.Offset >= len(out) {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	out = out[page.Offset:]
	return out[:min(len(out), page.limit())], nil
}

func taskHasUnitSubstring(units *bolt.Bucket, taskID, substr string) bool {
	prefix := []byte(taskID + "\x00")
	c := units.Cursor()
	for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
		unit := strings.TrimPrefix(string(k), string(prefix))
		if strings.Contains(unit, substr) {
			return true
		}
	}
	return false
}
