package outbox

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource serves rows from a slice and records marks.
type fakeSource struct {
	rows    []Row
	marked  []int64
	markErr error
}

func (f *fakeSource) FetchUnpublished(ctx context.Context, limit int) ([]Row, error) {
	var out []Row
	for _, r := range f.rows {
		if f.isMarked(r.ID) {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeSource) MarkPublished(ctx context.Context, id int64) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.marked = append(f.marked, id)
	return nil
}

func (f *fakeSource) CountUnpublished(ctx context.Context) (int, error) {
	n := 0
	for _, r := range f.rows {
		if !f.isMarked(r.ID) {
			n++
		}
	}
	return n, nil
}

func (f *fakeSource) isMarked(id int64) bool {
	for _, m := range f.marked {
		if m == id {
			return true
		}
	}
	return false
}

func rowsFor(ids ...int64) []Row {
	var rows []Row
	for _, id := range ids {
		rows = append(rows, Row{ID: id, EventType: "TestEvent", Destination: "test-topic"})
	}
	return rows
}

func TestDrainPublishesInOrder(t *testing.T) {
	source := &fakeSource{rows: rowsFor(1, 2, 3)}

	var published []int64
	p := NewPumper(source, func(ctx context.Context, row Row) error {
		published = append(published, row.ID)
		return nil
	})

	require.NoError(t, p.Drain(context.Background()))
	assert.Equal(t, []int64{1, 2, 3}, published)
	assert.Equal(t, []int64{1, 2, 3}, source.marked)
}

func TestDrainStopsBatchOnPublishFailure(t *testing.T) {
	source := &fakeSource{rows: rowsFor(1, 2, 3)}

	var published []int64
	p := NewPumper(source, func(ctx context.Context, row Row) error {
		if row.ID == 2 {
			return errors.New("broker down")
		}
		published = append(published, row.ID)
		return nil
	})

	err := p.Drain(context.Background())
	require.Error(t, err)

	// Row 1 went out and was marked; rows 2 and 3 stay pending for the next
	// tick, preserving publish order.
	assert.Equal(t, []int64{1}, published)
	assert.Equal(t, []int64{1}, source.marked)

	n, _ := source.CountUnpublished(context.Background())
	assert.Equal(t, 2, n)
}

func TestDrainMarkFailureLeavesRowForRepublish(t *testing.T) {
	source := &fakeSource{rows: rowsFor(1), markErr: errors.New("db down")}

	published := 0
	p := NewPumper(source, func(ctx context.Context, row Row) error {
		published++
		return nil
	})

	require.Error(t, p.Drain(context.Background()))
	require.Equal(t, 1, published)

	// The row stays unmarked, so the next drain republishes it and the
	// duplicate lands on idempotent consumers.
	source.markErr = nil
	require.NoError(t, p.Drain(context.Background()))
	assert.Equal(t, 2, published)
	assert.Equal(t, []int64{1}, source.marked)
}

func TestDrainRespectsBatchLimit(t *testing.T) {
	source := &fakeSource{rows: rowsFor(1, 2, 3)}

	published := 0
	p := NewPumper(source, func(ctx context.Context, row Row) error {
		published++
		return nil
	}).WithBatch(2)

	require.NoError(t, p.Drain(context.Background()))
	assert.Equal(t, 2, published)

	require.NoError(t, p.Drain(context.Background()))
	assert.Equal(t, 3, published)
}
