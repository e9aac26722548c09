package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/energyflow/fleetwatch/internal/api"
	"github.com/energyflow/fleetwatch/internal/cache"
	"github.com/energyflow/fleetwatch/internal/clock"
	"github.com/energyflow/fleetwatch/internal/models"
	"github.com/energyflow/fleetwatch/internal/mutation"
	"github.com/energyflow/fleetwatch/internal/protocol"
	"github.com/energyflow/fleetwatch/internal/query"
	"github.com/energyflow/fleetwatch/internal/reconcile"
	"github.com/energyflow/fleetwatch/internal/socket"
	"github.com/energyflow/fleetwatch/internal/stream"
)

// ErrNoDevice is returned when a device view is opened without an id.
var ErrNoDevice = errors.New("device id is required")

// Poll intervals of the device page.
const (
	liveInterval    = 10 * time.Second
	historyInterval = 30 * time.Second
)

// DeviceSnapshot is everything the device page renders.
type DeviceSnapshot struct {
	DeviceID string
	Range    models.RangeKey
	// Selected is the range last requested; it differs from Range until the
	// debounce fires.
	Selected models.RangeKey

	Summary    models.DeviceSummary
	HasSummary bool
	Alerts     []models.Alert
	Readings   []models.Reading

	IsColdLoading bool
	IsSoftLoading bool
	Err           error
	ErrorKind     api.ErrorKind

	LastUpdatedAt time.Time
	LastReadingAt time.Time
	Online        reconcile.OnlineState
	StreamState   stream.State
	Now           time.Time
}

// DeviceView keeps one device's summary, alerts and readings in sync with
// the backend and the push channels.
type DeviceView struct {
	e  *Engine
	id string

	stream *stream.Adapter
	subs   []socket.Subscription

	// Loop-owned.
	rng         models.RangeKey
	selected    models.RangeKey
	from, to    time.Time
	summary     *query.Observer
	alerts      *query.Observer
	readings    *query.Observer
	streamState stream.State
	debounce    clock.Timer
	debounceGen uint64
	// ownAcks holds alerts acknowledged through this view whose push echo
	// has not arrived yet.
	ownAcks map[string]struct{}
	closed  bool
}

// OpenDevice mounts the device page for id, showing range r.
func (e *Engine) OpenDevice(ctx context.Context, id string, r models.RangeKey) (*DeviceView, error) {
	if id == "" {
		return nil, ErrNoDevice
	}
	v := &DeviceView{
		e:           e,
		id:          id,
		rng:         r,
		selected:    r,
		streamState: stream.StateClosed,
		ownAcks:     make(map[string]struct{}),
	}
	v.stream = stream.New(stream.Config{URL: e.api.StreamURL, Backoff: e.config.Stream}, e.api.HTTPClient(), e.logger, e.metrics)
	v.stream.SetHandler(func(p models.TelemetryPoint) {
		e.loop.Post(func() { v.applyPoint(p) })
	})
	v.stream.SetStateHandler(func(s stream.State) {
		e.loop.Post(func() {
			v.streamState = s
			e.notify()
		})
	})

	if err := e.loop.Call(ctx, v.mount); err != nil {
		v.stream.Close()
		return nil, err
	}
	if e.socket != nil {
		v.subs = []socket.Subscription{
			e.socket.On(protocol.AlertEvent(id), func(data json.RawMessage) {
				a, err := protocol.DecodeAlert(data)
				if err != nil {
					e.dropped(protocol.AlertEvent(id), err)
					return
				}
				e.loop.Post(func() { v.applyAlert(a) })
			}),
			e.socket.On(protocol.AckEvent(id), func(data json.RawMessage) {
				ack, err := protocol.DecodeAck(data)
				if err != nil {
					e.dropped(protocol.AckEvent(id), err)
					return
				}
				e.loop.Post(func() { v.applyAck(ack) })
			}),
		}
	}
	e.logger.Info("device view opened", "device", id, "range", r)
	return v, nil
}

// ID returns the device id.
func (v *DeviceView) ID() string { return v.id }

func (v *DeviceView) mount() {
	q := v.e.queries
	v.from, v.to = v.rng.Window(v.e.clock.Now())

	v.summary = q.Observe(SummaryKey(v.id), v.pollOptions(), func(ctx context.Context) (any, error) {
		return v.e.api.Summary(ctx, v.id)
	})
	v.alerts = q.Observe(AlertsKey(v.id), v.e.queryOptions(0, 0, true), func(ctx context.Context) (any, error) {
		return v.e.api.UnackedAlerts(ctx, v.id)
	})
	v.readings = q.Observe(v.readingsKey(), v.pollOptions(), v.readingsFetcher(v.from, v.to))
	v.stream.Sync(v.id, v.rng.Live())
}

func (v *DeviceView) pollOptions() query.Options {
	interval := historyInterval
	if v.rng.Live() {
		interval = liveInterval
	}
	return v.e.queryOptions(v.e.config.StaleTime, interval, true)
}

func (v *DeviceView) readingsKey() cache.Key {
	return ReadingsKey(v.id, v.rng, v.from, v.to)
}

func (v *DeviceView) readingsFetcher(from, to time.Time) query.Fetcher {
	return func(ctx context.Context) (any, error) {
		return v.e.api.Readings(ctx, v.id, from, to)
	}
}

// applyPoint folds a streamed sample into the readings window and the
// summary. A warning sample also marks the summary for refetch.
func (v *DeviceView) applyPoint(p models.TelemetryPoint) {
	if v.closed {
		return
	}
	c := v.e.cache
	cache.Update(c, v.readingsKey(), []models.Reading{}, func(prev []models.Reading) []models.Reading {
		return reconcile.AppendReading(prev, p.Reading(), models.ReadingsCap)
	})
	cache.Update(c, SummaryKey(v.id), models.DeviceSummary{}, func(prev models.DeviceSummary) models.DeviceSummary {
		return reconcile.ApplyTelemetryToSummary(prev, p)
	})
	if reconcile.IsWarning(p) {
		v.e.logger.Debug("warning telemetry, refreshing summary", "device", v.id)
		v.e.queries.Invalidate(SummaryKey(v.id))
	}
}

// applyAlert lists a pushed alert. A redelivered alert changes nothing.
func (v *DeviceView) applyAlert(a models.Alert) {
	if v.closed {
		return
	}
	if !insertAlert(v.e.cache, v.id, a) {
		v.e.logger.Debug("duplicate alert", "device", v.id, "alert", a.ID)
	}
}

// applyAck removes an alert acknowledged by any session. The echo of an
// ack made through this view was already counted when it was applied.
func (v *DeviceView) applyAck(ack models.AlertAck) {
	if v.closed {
		return
	}
	if _, ok := v.ownAcks[ack.ID]; ok {
		delete(v.ownAcks, ack.ID)
		dropAlert(v.e.cache, v.id, ack.ID)
		return
	}
	removeAlert(v.e.cache, v.id, ack.ID)
}

// insertAlert adds a to the device's list and counts it in the summary.
// It reports false when the alert was already listed.
func insertAlert(c *cache.Cache, deviceID string, a models.Alert) bool {
	prev, _ := cache.Value[[]models.Alert](c, AlertsKey(deviceID))
	next, inserted := reconcile.InsertAlert(prev, a, models.AlertsCap)
	if !inserted {
		return false
	}
	c.Put(AlertsKey(deviceID), next)
	cache.Update(c, SummaryKey(deviceID), models.DeviceSummary{}, reconcile.IncrementUnacked)
	return true
}

// removeAlert drops alertID from the device's list and takes one off the
// summary count. The count also covers alerts beyond the listed ones, so it
// is decremented even when alertID is not listed.
func removeAlert(c *cache.Cache, deviceID, alertID string) {
	dropAlert(c, deviceID, alertID)
	cache.Update(c, SummaryKey(deviceID), models.DeviceSummary{}, reconcile.DecrementUnacked)
}

func dropAlert(c *cache.Cache, deviceID, alertID string) {
	prev, _ := cache.Value[[]models.Alert](c, AlertsKey(deviceID))
	if next, found := reconcile.RemoveAlert(prev, alertID); found {
		c.Put(AlertsKey(deviceID), next)
	}
}

// Snapshot returns the current view state.
func (v *DeviceView) Snapshot(ctx context.Context) (DeviceSnapshot, error) {
	var s DeviceSnapshot
	err := v.e.loop.Call(ctx, func() { s = v.snapshot() })
	return s, err
}

func (v *DeviceView) snapshot() DeviceSnapshot {
	now := v.e.clock.Now()
	s := DeviceSnapshot{
		DeviceID:    v.id,
		Range:       v.rng,
		Selected:    v.selected,
		StreamState: v.streamState,
		Online:      reconcile.NoData,
		Now:         now,
	}
	if v.closed {
		return s
	}

	ss, rs, as := v.summary.State(), v.readings.State(), v.alerts.State()
	s.Summary, s.HasSummary = ss.Data.(models.DeviceSummary)
	s.Readings, _ = rs.Data.([]models.Reading)
	s.Alerts, _ = as.Data.([]models.Alert)
	hasReadings := len(s.Readings) > 0

	s.IsColdLoading = (ss.IsPending || rs.IsPending) && !s.HasSummary && !hasReadings
	s.IsSoftLoading = (ss.IsFetching || rs.IsFetching) && (s.HasSummary || hasReadings)

	s.Err = ss.Err
	if s.Err == nil {
		s.Err = rs.Err
	}
	s.ErrorKind = api.Classify(s.Err)

	s.LastUpdatedAt = ss.DataUpdatedAt
	if rs.DataUpdatedAt.After(s.LastUpdatedAt) {
		s.LastUpdatedAt = rs.DataUpdatedAt
	}
	if ts, ok := reconcile.LatestTimestamp(s.Readings); ok {
		s.LastReadingAt = ts
	}
	if s.HasSummary {
		s.Online = reconcile.OnlineStateAt(s.Summary.LastSeen, now)
	}
	return s
}

// RefetchAll refetches the summary and the current readings window and
// waits for both.
func (v *DeviceView) RefetchAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return v.summary.Refetch(ctx) })
	g.Go(func() error { return v.readings.Refetch(ctx) })
	return g.Wait()
}

// AcknowledgeAlert removes the alert optimistically and rolls the removal
// back if the backend rejects it. It must not be called from the loop.
func (v *DeviceView) AcknowledgeAlert(ctx context.Context, alertID string) error {
	err := v.e.mutations.Run(ctx, mutation.Mutation{
		Name: "ack " + alertID,
		Keys: []cache.Key{AlertsKey(v.id), SummaryKey(v.id)},
		Apply: func(c *cache.Cache) {
			removeAlert(c, v.id, alertID)
			v.ownAcks[alertID] = struct{}{}
		},
		Commit: func(ctx context.Context) error {
			return v.e.api.AckAlert(ctx, alertID)
		},
	})
	if err != nil {
		v.e.loop.Post(func() { delete(v.ownAcks, alertID) })
	}
	return err
}

// SimulateTelemetry asks the backend to generate a sample, then refreshes
// everything cached for the device.
func (v *DeviceView) SimulateTelemetry(ctx context.Context) error {
	if err := v.e.api.Simulate(ctx, v.id); err != nil {
		v.e.logger.Error("simulate failed", "device", v.id, "error", err)
		return err
	}
	if err := v.e.loop.Call(ctx, func() { v.e.queries.Invalidate(DeviceKey(v.id)) }); err != nil {
		return err
	}
	return v.RefetchAll(ctx)
}

// ClearCache marks everything cached for the device stale so mounted
// observers refetch.
func (v *DeviceView) ClearCache(ctx context.Context) error {
	return v.e.loop.Call(ctx, func() { v.e.queries.Invalidate(DeviceKey(v.id)) })
}

// SetRange selects another range. Rapid changes are debounced; only the
// last one moves the readings window.
func (v *DeviceView) SetRange(r models.RangeKey) {
	v.e.loop.Post(func() {
		if v.closed {
			return
		}
		v.selected = r
		if v.debounce != nil {
			v.debounce.Stop()
		}
		v.debounceGen++
		gen := v.debounceGen
		v.debounce = v.e.clock.AfterFunc(v.e.config.RangeDebounce, func() {
			v.e.loop.Post(func() {
				if gen == v.debounceGen {
					v.applyRange(r)
				}
			})
		})
		v.e.notify()
	})
}

func (v *DeviceView) applyRange(r models.RangeKey) {
	v.debounce = nil
	if v.closed || r == v.rng {
		return
	}
	v.e.logger.Debug("range changed", "device", v.id, "from", v.rng, "to", r)
	v.rng = r
	v.from, v.to = r.Window(v.e.clock.Now())

	opts := v.pollOptions()
	v.summary.SetOptions(opts)
	v.readings.SetOptions(opts)
	v.readings.Switch(v.readingsKey(), v.readingsFetcher(v.from, v.to))
	v.stream.Sync(v.id, r.Live())
	v.e.notify()
}

// Close unmounts the view: the stream is torn down, socket handlers are
// removed and the observers are released to garbage collection.
func (v *DeviceView) Close(ctx context.Context) error {
	for _, s := range v.subs {
		s.Off()
	}
	v.stream.Close()
	return v.e.loop.Call(ctx, func() {
		if v.closed {
			return
		}
		v.closed = true
		if v.debounce != nil {
			v.debounce.Stop()
		}
		v.summary.Close()
		v.alerts.Close()
		v.readings.Close()
		v.e.logger.Info("device view closed", "device", v.id)
	})
}
