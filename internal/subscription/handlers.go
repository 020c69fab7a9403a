package subscription

import (
	"context"

	"github.com/hetu-io/hetu/internal/component"
	"github.com/hetu-io/hetu/internal/tableref"
)

// rowSubscription tracks a single row: `RowSubscription` in spec.md §4.5.
type rowSubscription struct {
	def     *component.Definition
	ref     tableref.Ref
	ctx     component.CallerContext
	channel string
	id      int64
}

func (s *rowSubscription) channels() []string { return []string{s.channel} }

// getUpdated re-reads the row; absent or RLS-filtered-out rows are reported
// as a deletion (Row == nil), per spec.md §4.5.
func (s *rowSubscription) getUpdated(ctx context.Context, _ string, c *cache) ([]Delta, []string, []string, error) {
	row, found, err := c.get(ctx, s.ref, s.id)
	if err != nil {
		return nil, nil, nil, err
	}
	if !found {
		return []Delta{{ID: s.id, Row: nil}}, nil, nil, nil
	}
	ok, err := visibleRow(s.def, row, s.ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	if !ok {
		return []Delta{{ID: s.id, Row: nil}}, nil, nil, nil
	}
	return []Delta{{ID: s.id, Row: row}}, nil, nil, nil
}

// indexSubscription tracks a bounded range over one secondary index:
// `IndexSubscription` in spec.md §4.5.
type indexSubscription struct {
	def        *component.Definition
	ref        tableref.Ref
	ctx        component.CallerContext
	fetcher    rowFetcher
	indexName  string
	left       interface{}
	right      interface{}
	limit      int
	desc       bool
	rowChannel func(id int64) string

	indexChannel string
	last         map[int64]struct{}
}

func (s *indexSubscription) channels() []string {
	out := make([]string, 0, len(s.last)+1)
	out = append(out, s.indexChannel)
	for id := range s.last {
		out = append(out, s.rowChannel(id))
	}
	return out
}

// getUpdated implements spec.md §4.5's IndexSubscription.get_updated: the
// index channel firing re-runs the range query and diffs the id set;
// any tracked row channel firing re-reads that one row.
func (s *indexSubscription) getUpdated(ctx context.Context, channel string, c *cache) ([]Delta, []string, []string, error) {
	if channel == s.indexChannel {
		return s.refreshRange(ctx, c)
	}
	return s.refreshRow(ctx, channel, c)
}

func (s *indexSubscription) refreshRange(ctx context.Context, c *cache) ([]Delta, []string, []string, error) {
	rows, err := s.fetcher.rangeRows(ctx, s.ref, s.def, s.indexName, s.left, s.right, s.limit, s.desc)
	if err != nil {
		return nil, nil, nil, err
	}

	newSet := make(map[int64]struct{}, len(rows))
	var deltas []Delta
	var newChannels, removedChannels []string

	for _, row := range rows {
		id, ok := rowID(row)
		if !ok {
			continue
		}
		visible, err := visibleRow(s.def, row, s.ctx)
		if err != nil {
			return nil, nil, nil, err
		}
		if !visible {
			continue
		}
		newSet[id] = struct{}{}
	}

	for _, id := range sortedIDs(newSet) {
		if _, already := s.last[id]; already {
			continue
		}
		row, found, err := c.get(ctx, s.ref, id)
		if err != nil {
			return nil, nil, nil, err
		}
		if !found {
			// Row vanished between the range query and the re-read; drop
			// silently per spec.md §4.5.
			delete(newSet, id)
			continue
		}
		visible, err := visibleRow(s.def, row, s.ctx)
		if err != nil {
			return nil, nil, nil, err
		}
		if !visible {
			delete(newSet, id)
			continue
		}
		deltas = append(deltas, Delta{ID: id, Row: row})
		newChannels = append(newChannels, s.rowChannel(id))
	}

	for _, id := range sortedIDs(s.last) {
		if _, stillThere := newSet[id]; stillThere {
			continue
		}
		deltas = append(deltas, Delta{ID: id, Row: nil})
		removedChannels = append(removedChannels, s.rowChannel(id))
	}

	s.last = newSet
	return deltas, newChannels, removedChannels, nil
}

func (s *indexSubscription) refreshRow(ctx context.Context, channel string, c *cache) ([]Delta, []string, []string, error) {
	var id int64
	var found bool
	for trackedID := range s.last {
		if s.rowChannel(trackedID) == channel {
			id, found = trackedID, true
			break
		}
	}
	if !found {
		return nil, nil, nil, nil
	}

	row, exists, err := c.get(ctx, s.ref, id)
	if err != nil {
		return nil, nil, nil, err
	}
	if !exists {
		delete(s.last, id)
		return []Delta{{ID: id, Row: nil}}, nil, []string{s.rowChannel(id)}, nil
	}

	visible, err := visibleRow(s.def, row, s.ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	if !visible {
		delete(s.last, id)
		return []Delta{{ID: id, Row: nil}}, nil, []string{s.rowChannel(id)}, nil
	}

	return []Delta{{ID: id, Row: row}}, nil, nil, nil
}
