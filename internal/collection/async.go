package collection

import (
	"context"

	"github.com/cachedb/cachedb/internal/worker"
	"github.com/cachedb/cachedb/pkg/types"
)

// The async variants schedule the synchronous operation on the shared
// worker pool. Transaction semantics are unchanged. Records passed in must
// not be modified until the future completes.

// PutAsync is the deferred form of Put.
func (c *Collection) PutAsync(ctx context.Context, rec *types.Record) *worker.Future[int64] {
	return worker.Submit(ctx, c.pool, func(ctx context.Context) (int64, error) {
		return c.Put(ctx, rec)
	})
}

// PutByIndexAsync is the deferred form of PutByIndex.
func (c *Collection) PutByIndexAsync(ctx context.Context, indexName string, rec *types.Record) *worker.Future[int64] {
	return worker.Submit(ctx, c.pool, func(ctx context.Context) (int64, error) {
		return c.PutByIndex(ctx, indexName, rec)
	})
}

// GetAsync is the deferred form of Get.
func (c *Collection) GetAsync(ctx context.Context, id int64) *worker.Future[*types.Record] {
	return worker.Submit(ctx, c.pool, func(ctx context.Context) (*types.Record, error) {
		return c.Get(ctx, id)
	})
}

// DeleteAsync is the deferred form of Delete.
func (c *Collection) DeleteAsync(ctx context.Context, id int64) *worker.Future[bool] {
	return worker.Submit(ctx, c.pool, func(ctx context.Context) (bool, error) {
		return c.Delete(ctx, id)
	})
}

// PutAllAsync is the deferred form of PutAll.
func (c *Collection) PutAllAsync(ctx context.Context, recs []*types.Record) *worker.Future[[]Outcome] {
	return worker.Submit(ctx, c.pool, func(ctx context.Context) ([]Outcome, error) {
		return c.PutAll(ctx, recs), nil
	})
}

// DeleteAllAsync is the deferred form of DeleteAll.
func (c *Collection) DeleteAllAsync(ctx context.Context, ids []int64) *worker.Future[[]Outcome] {
	return worker.Submit(ctx, c.pool, func(ctx context.Context) ([]Outcome, error) {
		return c.DeleteAll(ctx, ids), nil
	})
}
