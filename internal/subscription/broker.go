package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/hetu-io/hetu/internal/backend"
	"github.com/hetu-io/hetu/internal/component"
	"github.com/hetu-io/hetu/internal/herrors"
	"github.com/hetu-io/hetu/internal/tableref"
)

// staleAfter is spec.md §4.5's "dropping messages older than 2 minutes to
// avoid unbounded backlog".
const staleAfter = 2 * time.Minute

// clientFetcher adapts backend.Client to the narrow rowFetcher surface
// handlers need.
type clientFetcher struct {
	client backend.Client
}

func (f clientFetcher) getRow(ctx context.Context, ref tableref.Ref, id int64) (map[string]interface{}, bool, error) {
	return f.client.Get(ctx, ref, id)
}

func (f clientFetcher) rangeRows(ctx context.Context, ref tableref.Ref, def *component.Definition, indexName string, left, right interface{}, limit int, desc bool) ([]map[string]interface{}, error) {
	spec := toComponentSpec(def)
	return f.client.Range(ctx, ref, spec, backend.RangeQuery{Index: indexName, Left: left, Right: right, Limit: limit, Desc: desc})
}

func toComponentSpec(def *component.Definition) backend.ComponentSpec {
	spec := backend.ComponentSpec{Name: def.FullName()}
	for _, p := range def.IndexProperties() {
		spec.Indexes = append(spec.Indexes, backend.IndexSpec{Name: p.Name, Unique: p.Unique})
	}
	return spec
}

// Broker is one connection's Subscription Broker: holds every live
// RowSubscription/IndexSubscription, the channel -> subscriber-id fan-out
// map, and the connection's single MQ handle, per spec.md §4.5.
type Broker struct {
	client    backend.Client
	instance  string
	clusterID int64
	defs      map[string]*component.Definition
	fetcher   rowFetcher

	mu          sync.Mutex
	subs        map[string]handler
	channelSubs map[string]map[string]struct{} // channel -> set of sub ids
	liveChannel map[string]struct{}
	resub       chan struct{}
	dirty       map[string]struct{}
	wake        chan struct{}
	closed      bool
}

// New creates a Broker for one connection, pinned to the given backend
// instance/cluster and resolving component names against defs.
func New(client backend.Client, instance string, clusterID int64, defs map[string]*component.Definition) *Broker {
	return &Broker{
		client:      client,
		instance:    instance,
		clusterID:   clusterID,
		defs:        defs,
		fetcher:     clientFetcher{client: client},
		subs:        make(map[string]handler),
		channelSubs: make(map[string]map[string]struct{}),
		liveChannel: make(map[string]struct{}),
		resub:       make(chan struct{}, 1),
		dirty:       make(map[string]struct{}),
		wake:        make(chan struct{}, 1),
	}
}

func (b *Broker) ref(componentName string) tableref.Ref {
	return tableref.New(componentName, b.instance, b.clusterID)
}

func (b *Broker) signalResubscribe() {
	select {
	case b.resub <- struct{}{}:
	default:
	}
}

func (b *Broker) registerChannels(subID string, channels []string) {
	for _, ch := range channels {
		set, ok := b.channelSubs[ch]
		if !ok {
			set = make(map[string]struct{})
			b.channelSubs[ch] = set
		}
		set[subID] = struct{}{}
	}
}

func (b *Broker) unregisterChannels(subID string, channels []string) {
	for _, ch := range channels {
		set, ok := b.channelSubs[ch]
		if !ok {
			continue
		}
		delete(set, subID)
		if len(set) == 0 {
			delete(b.channelSubs, ch)
		}
	}
}

// SubscribeGet implements spec.md §4.5's subscribe_get: resolve one row by
// index, RLS-check it, and register a RowSubscription. Returns ("", nil,
// nil) when the row is absent or RLS-filtered-out.
func (b *Broker) SubscribeGet(ctx context.Context, componentName string, callerCtx component.CallerContext, indexName string, value interface{}, adminGroupPrefix string) (string, map[string]interface{}, error) {
	def, ok := b.defs[componentName]
	if !ok {
		return "", nil, unknownComponentErr(componentName)
	}
	if !component.CheckTablePermission(def.Permission, callerCtx, adminGroupPrefix) {
		return "", nil, herrors.PermissionDenied(componentName)
	}

	ref := b.ref(def.FullName())

	var row map[string]interface{}
	var found bool
	var err error
	if indexName == "id" {
		id, idErr := asID(value)
		if idErr != nil {
			return "", nil, idErr
		}
		row, found, err = b.client.Get(ctx, ref, id)
	} else {
		rows, rErr := b.fetcher.rangeRows(ctx, ref, def, indexName, value, value, 1, false)
		err = rErr
		if err == nil && len(rows) > 0 {
			row, found = rows[0], true
		}
	}
	if err != nil {
		return "", nil, err
	}
	if !found {
		return "", nil, nil
	}

	visible, err := visibleRow(def, row, callerCtx)
	if err != nil {
		return "", nil, err
	}
	if !visible {
		return "", nil, nil
	}

	id, ok := rowID(row)
	if !ok {
		return "", nil, herrors.Validation("subscription: row missing integer id field")
	}

	subID := fingerprint(def.FullName(), indexName, value, value, 1, false)
	sub := &rowSubscription{def: def, ref: ref, ctx: callerCtx, channel: tableref.RowChannel(ref, id), id: id}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.subs[subID]; exists {
		return subID, row, nil
	}
	b.subs[subID] = sub
	b.registerChannels(subID, sub.channels())
	b.signalResubscribe()

	return subID, row, nil
}

// SubscribeRange implements spec.md §4.5's subscribe_range: range query,
// RLS filter, and register an IndexSubscription. When force is false and
// the filtered result is empty, returns ("", nil, nil) without registering.
func (b *Broker) SubscribeRange(ctx context.Context, componentName string, callerCtx component.CallerContext, indexName string, left, right interface{}, limit int, desc, force bool, adminGroupPrefix string) (string, []map[string]interface{}, error) {
	def, ok := b.defs[componentName]
	if !ok {
		return "", nil, unknownComponentErr(componentName)
	}
	if !component.CheckTablePermission(def.Permission, callerCtx, adminGroupPrefix) {
		return "", nil, herrors.PermissionDenied(componentName)
	}

	ref := b.ref(def.FullName())
	rows, err := b.fetcher.rangeRows(ctx, ref, def, indexName, left, right, limit, desc)
	if err != nil {
		return "", nil, err
	}

	var visible []map[string]interface{}
	last := make(map[int64]struct{}, len(rows))
	for _, row := range rows {
		ok, err := visibleRow(def, row, callerCtx)
		if err != nil {
			return "", nil, err
		}
		if !ok {
			continue
		}
		visible = append(visible, row)
		if id, ok := rowID(row); ok {
			last[id] = struct{}{}
		}
	}

	if !force && len(visible) == 0 {
		return "", nil, nil
	}

	subID := fingerprint(def.FullName(), indexName, left, right, limit, desc)
	indexSub := &indexSubscription{
		def:          def,
		ref:          ref,
		ctx:          callerCtx,
		fetcher:      b.fetcher,
		indexName:    indexName,
		left:         left,
		right:        right,
		limit:        limit,
		desc:         desc,
		rowChannel:   func(id int64) string { return tableref.RowChannel(ref, id) },
		indexChannel: tableref.IndexChannel(ref, indexName),
		last:         last,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.subs[subID]; exists {
		return subID, visible, nil
	}
	b.subs[subID] = indexSub
	b.registerChannels(subID, indexSub.channels())
	b.signalResubscribe()

	return subID, visible, nil
}

// Unsubscribe removes a subscription and decrements its channels'
// refcounts; a redundant unsubscribe is a no-op, per spec.md §4.5.
func (b *Broker) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[subID]
	if !ok {
		return
	}
	b.unregisterChannels(subID, sub.channels())
	delete(b.subs, subID)
	b.signalResubscribe()
}

func asID(value interface{}) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	default:
		return 0, herrors.Validation("subscription: id lookup requires an integer value")
	}
}

// channelList returns the current set of channels needing a live MQ
// subscription, in no particular order.
func (b *Broker) channelList() []string {
	out := make([]string, 0, len(b.channelSubs))
	for ch := range b.channelSubs {
		out = append(out, ch)
	}
	return out
}

func (b *Broker) channelsEqual(channels []string) bool {
	if len(channels) != len(b.liveChannel) {
		return false
	}
	for _, ch := range channels {
		if _, ok := b.liveChannel[ch]; !ok {
			return false
		}
	}
	return true
}

// Pull is the background task spec.md §4.5 describes as "a single
// background task per connection continuously pulls MQ messages,
// deduplicating by channel name and dropping messages older than 2 minutes
// to avoid unbounded backlog". It re-subscribes to the backend's Notifier
// whenever the set of channels being tracked changes, and runs until ctx
// is cancelled or Close is called.
func (b *Broker) Pull(ctx context.Context) error {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil
		}
		channels := b.channelList()
		b.liveChannel = make(map[string]struct{}, len(channels))
		for _, ch := range channels {
			b.liveChannel[ch] = struct{}{}
		}
		b.mu.Unlock()

		var sub backend.Subscription
		var err error
		if len(channels) > 0 {
			sub, err = b.client.Subscribe(ctx, channels...)
			if err != nil {
				return err
			}
		}

		restart, stop := b.pullUntilChange(ctx, sub)
		if sub != nil {
			_ = sub.Close()
		}
		if stop {
			return nil
		}
		if !restart {
			return nil
		}
	}
}

// pullUntilChange drains sub until ctx is done (stop=true), the channel set
// changes (restart=true), or Close is called (stop=true). sub may be nil
// when there is currently nothing to subscribe to.
func (b *Broker) pullUntilChange(ctx context.Context, sub backend.Subscription) (restart, stop bool) {
	var notifications <-chan backend.Notification
	if sub != nil {
		notifications = sub.Channel()
	}

	idle := time.NewTicker(5 * time.Second)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, true
		case <-b.resub:
			b.mu.Lock()
			closed := b.closed
			changed := !b.channelsEqual(b.channelList())
			b.mu.Unlock()
			if closed {
				return false, true
			}
			if changed {
				return true, false
			}
		case n, ok := <-notifications:
			if !ok {
				return true, false
			}
			if time.Since(n.At) > staleAfter {
				continue
			}
			b.markDirty(n.Channel)
		case <-idle.C:
			b.mu.Lock()
			if b.closed {
				b.mu.Unlock()
				return false, true
			}
			b.mu.Unlock()
		}
	}
}

func (b *Broker) markDirty(channel string) {
	b.mu.Lock()
	b.dirty[channel] = struct{}{}
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Update is one subscriber's computed delta batch, emitted by GetUpdates.
type Update struct {
	SubID  string
	Deltas []Delta
}

// GetUpdates is the second background task, `get_updates` in spec.md §4.5:
// waits for the dedup queue, then for each changed channel invokes
// get_updated on every subscription registered for it, emitting one Update
// per affected subscriber. Runs until ctx is cancelled.
func (b *Broker) GetUpdates(ctx context.Context, emit func(Update)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.wake:
		}

		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil
		}
		pending := b.dirty
		b.dirty = make(map[string]struct{})
		b.mu.Unlock()
		if len(pending) == 0 {
			continue
		}

		c := newCache(b.fetcher)
		batches := make(map[string][]Delta)

		for channel := range pending {
			b.mu.Lock()
			subIDs := make([]string, 0, len(b.channelSubs[channel]))
			for id := range b.channelSubs[channel] {
				subIDs = append(subIDs, id)
			}
			b.mu.Unlock()

			for _, subID := range subIDs {
				b.mu.Lock()
				sub, ok := b.subs[subID]
				b.mu.Unlock()
				if !ok {
					continue
				}

				deltas, newChannels, removedChannels, err := sub.getUpdated(ctx, channel, c)
				if err != nil {
					continue
				}

				if len(newChannels) > 0 || len(removedChannels) > 0 {
					b.mu.Lock()
					b.registerChannels(subID, newChannels)
					b.unregisterChannels(subID, removedChannels)
					b.mu.Unlock()
					b.signalResubscribe()
				}

				if len(deltas) > 0 {
					batches[subID] = append(batches[subID], deltas...)
				}
			}
		}

		for subID, deltas := range batches {
			emit(Update{SubID: subID, Deltas: deltas})
		}
	}
}

// Close stops the broker's background tasks and releases its live MQ
// subscription.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.signalResubscribe()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}
