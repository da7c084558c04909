package memory

import (
	"context"
	"sort"
	"time"

	"avfuel/internal/core/apperror"
	"avfuel/internal/core/id"
	"avfuel/internal/domain/ledger"
	"avfuel/internal/domain/recalc"
)

var _ recalc.Repository = (*TaskRepo)(nil)

// TaskRepo implements recalc.Repository.
type TaskRepo struct {
	store *Store
}

func (r *TaskRepo) GetByID(ctx context.Context, taskID id.ID) (*recalc.Task, error) {
	var out *recalc.Task
	err := r.store.do(ctx, func(st *state) error {
		t, ok := st.tasks[taskID]
		if !ok {
			return apperror.NewNotFound("recalc_task", taskID)
		}
		out = &t
		return nil
	})
	return out, err
}

func (r *TaskRepo) GetForUpdate(ctx context.Context, taskID id.ID) (*recalc.Task, error) {
	return r.GetByID(ctx, taskID)
}

func (r *TaskRepo) GetActiveForUpdate(ctx context.Context, key ledger.AccountKey) (*recalc.Task, error) {
	var out *recalc.Task
	err := r.store.do(ctx, func(st *state) error {
		out = st.active(key)
		return nil
	})
	return out, err
}

func (r *TaskRepo) Insert(ctx context.Context, t *recalc.Task) (bool, error) {
	inserted := false
	err := r.store.do(ctx, func(st *state) error {
		if st.active(t.Account) != nil {
			return nil
		}
		st.tasks[t.ID] = *t
		inserted = true
		return nil
	})
	return inserted, err
}

func (r *TaskRepo) Update(ctx context.Context, t *recalc.Task) error {
	return r.store.do(ctx, func(st *state) error {
		if _, ok := st.tasks[t.ID]; !ok {
			return apperror.NewNotFound("recalc_task", t.ID)
		}
		st.tasks[t.ID] = *t
		return nil
	})
}

func (r *TaskRepo) ClaimNext(ctx context.Context, now time.Time) (*recalc.Task, error) {
	var out *recalc.Task
	err := r.store.do(ctx, func(st *state) error {
		var pending []recalc.Task
		for _, t := range st.tasks {
			if t.Status == recalc.StatusPending {
				pending = append(pending, t)
			}
		}
		if len(pending) == 0 {
			return nil
		}
		sort.Slice(pending, func(i, j int) bool {
			if pending[i].Priority != pending[j].Priority {
				return pending[i].Priority > pending[j].Priority
			}
			if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
				return pending[i].CreatedAt.Before(pending[j].CreatedAt)
			}
			return pending[i].ID.String() < pending[j].ID.String()
		})
		t := pending[0]
		t.Claim(now)
		st.tasks[t.ID] = t
		out = &t
		return nil
	})
	return out, err
}

func (r *TaskRepo) ResetStuck(ctx context.Context, startedBefore time.Time, message string, now time.Time) (int64, error) {
	var n int64
	err := r.store.do(ctx, func(st *state) error {
		for k, t := range st.tasks {
			if t.Status != recalc.StatusProcessing || t.ProcessingStartedAt == nil || !t.ProcessingStartedAt.Before(startedBefore) {
				continue
			}
			t.Reset(message, now)
			st.tasks[k] = t
			n++
		}
		return nil
	})
	return n, err
}

func (r *TaskRepo) DeleteCompleted(ctx context.Context, processedBefore time.Time) (int64, error) {
	var n int64
	err := r.store.do(ctx, func(st *state) error {
		for k, t := range st.tasks {
			if t.Status == recalc.StatusCompleted && t.ProcessedAt != nil && t.ProcessedAt.Before(processedBefore) {
				delete(st.tasks, k)
				n++
			}
		}
		return nil
	})
	return n, err
}

func (r *TaskRepo) HasActive(ctx context.Context, key ledger.AccountKey) (bool, error) {
	var has bool
	err := r.store.do(ctx, func(st *state) error {
		has = st.active(key) != nil
		return nil
	})
	return has, err
}

func (r *TaskRepo) ListFailed(ctx context.Context, limit int) ([]*recalc.Task, error) {
	var out []*recalc.Task
	err := r.store.do(ctx, func(st *state) error {
		for _, t := range st.tasks {
			if t.Status == recalc.StatusFailed {
				task := t
				out = append(out, &task)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

// All returns every task, for assertions.
func (r *TaskRepo) All(ctx context.Context) []recalc.Task {
	var out []recalc.Task
	_ = r.store.do(ctx, func(st *state) error {
		for _, t := range st.tasks {
			out = append(out, t)
		}
		return nil
	})
	return out
}

func (st *state) active(key ledger.AccountKey) *recalc.Task {
	for _, t := range st.tasks {
		if t.Account == key && t.Status.IsActive() {
			task := t
			return &task
		}
	}
	return nil
}
