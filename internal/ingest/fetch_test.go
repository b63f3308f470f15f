package ingest

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pagedSource serves pages of ints; negative values are dropped by Normalize
type pagedSource struct {
	pages  [][]int
	failAt int // page index that always fails, -1 for none
	seen   []Cursor
}

func (s *pagedSource) FetchPage(_ context.Context, cursor Cursor) (Page[int], error) {
	s.seen = append(s.seen, cursor)

	idx := cursor.Int("page")
	if idx == s.failAt {
		return Page[int]{}, errTransient
	}

	return Page[int]{
		Items:   s.pages[idx],
		HasMore: idx+1 < len(s.pages),
		Next:    cursor.WithInt("page", idx+1),
	}, nil
}

func (s *pagedSource) Normalize(raw int) (string, bool) {
	if raw < 0 {
		return "", false
	}
	return strconv.Itoa(raw), true
}

func TestFetchAll(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultRetryPolicy())
	src := &pagedSource{pages: [][]int{{1, 2}, {3, -1}, {4}}, failAt: -1}

	records, stats, err := FetchAll[int, string](context.Background(), e, src, Cursor{})
	require.NoError(t, err)

	assert.Equal(t, []string{"1", "2", "3", "4"}, records)
	assert.Equal(t, Stats{Pages: 3, Fetched: 5, Dropped: 1}, stats)
	assert.Equal(t, "2", src.seen[2].Get("page"))
}

func TestFetchEach_FlushesBatches(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultRetryPolicy())
	src := &pagedSource{pages: [][]int{{1}, {2}, {3}, {4}, {5}}, failAt: -1}

	var batches [][]string
	_, err := FetchEach[int, string](context.Background(), e, src, Cursor{}, 2, func(_ context.Context, batch []string) error {
		batches = append(batches, batch)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"1", "2"}, {"3", "4"}, {"5"}}, batches)
}

func TestFetchEach_FailureKeepsEarlierPages(t *testing.T) {
	e, rec, _ := newTestEngine(t, DefaultRetryPolicy())
	src := &pagedSource{pages: [][]int{{1, 2}, {3}, {4}}, failAt: 2}

	var committed []string
	stats, err := FetchEach[int, string](context.Background(), e, src, Cursor{}, 1, func(_ context.Context, batch []string) error {
		committed = append(committed, batch...)
		return nil
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRetriesExhausted))
	assert.Contains(t, err.Error(), "page 3")

	assert.Equal(t, []string{"1", "2", "3"}, committed)
	assert.Equal(t, 2, stats.Pages)
	assert.Equal(t, 3, stats.Fetched)
	assert.Equal(t, 3, stats.Retries)
	assert.Len(t, rec.delays, 3)
}

func TestFetchEach_SinkErrorStops(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultRetryPolicy())
	src := &pagedSource{pages: [][]int{{1}, {2}, {3}}, failAt: -1}

	sinkErr := errors.New("disk full")
	_, err := FetchEach[int, string](context.Background(), e, src, Cursor{}, 1, func(context.Context, []string) error {
		return sinkErr
	})

	assert.ErrorIs(t, err, sinkErr)
	assert.Len(t, src.seen, 1)
}

func TestCursor(t *testing.T) {
	c := Cursor{}.WithInt("page", 3).With("region", "europe")
	next := c.WithInt("page", 4)

	assert.Equal(t, 3, c.Int("page"))
	assert.Equal(t, 4, next.Int("page"))
	assert.Equal(t, "europe", next.Get("region"))
	assert.Equal(t, 0, Cursor{}.Int("missing"))
}
