package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/energyflow/fleetwatch/internal/api"
	"github.com/energyflow/fleetwatch/internal/cache"
	"github.com/energyflow/fleetwatch/internal/models"
	"github.com/energyflow/fleetwatch/internal/protocol"
	"github.com/energyflow/fleetwatch/internal/query"
	"github.com/energyflow/fleetwatch/internal/reconcile"
	"github.com/energyflow/fleetwatch/internal/socket"
)

const fleetInterval = 5 * time.Minute

// FleetSnapshot is everything the fleet page renders.
type FleetSnapshot struct {
	Rows   []models.FleetDevice // filtered by the search query
	Counts reconcile.FleetCounts

	IsColdLoading bool
	IsFetching    bool
	Err           error
	ErrorKind     api.ErrorKind
	UpdatedAt     time.Time
	Now           time.Time
}

// FleetView keeps the fleet overview in sync and subscribes to the push
// events of every device it lists.
type FleetView struct {
	e *Engine

	stateSub socket.Subscription

	// Loop-owned.
	fleet       *query.Observer
	group       socket.Group
	unsubscribe func()
	wasDown     bool
	closed      bool
}

// OpenFleet mounts the fleet overview.
func (e *Engine) OpenFleet(ctx context.Context) (*FleetView, error) {
	v := &FleetView{e: e}
	if err := e.loop.Call(ctx, v.mount); err != nil {
		return nil, err
	}
	if e.socket != nil {
		v.stateSub = e.socket.OnStateChange(func(up bool) {
			e.loop.Post(func() { v.connectionChanged(up) })
		})
	}
	e.logger.Info("fleet view opened")
	return v, nil
}

func (v *FleetView) mount() {
	v.fleet = v.e.queries.Observe(FleetKey(), v.e.queryOptions(fleetInterval, fleetInterval, false), func(ctx context.Context) (any, error) {
		return v.e.api.Fleet(ctx)
	})
	v.unsubscribe = v.e.cache.Subscribe(func(ev cache.Event) {
		if ev.Key.Equal(FleetKey()) {
			v.resubscribe()
		}
	})
	v.resubscribe()
}

// resubscribe makes the socket handlers match the listed devices. Handlers
// are only replaced when the set of ids changes.
func (v *FleetView) resubscribe() {
	if v.closed || v.e.socket == nil {
		return
	}
	rows, _ := cache.Value[[]models.FleetDevice](v.e.cache, FleetKey())
	key := reconcile.IDSetKey(rows)
	changed := v.group.Replace(key, func() []socket.Subscription {
		subs := make([]socket.Subscription, 0, 3*len(rows))
		for _, row := range rows {
			subs = append(subs, v.subscribeDevice(row.ID)...)
		}
		return subs
	})
	if changed {
		v.e.logger.Debug("fleet subscriptions replaced", "devices", len(rows))
	}
}

func (v *FleetView) subscribeDevice(id string) []socket.Subscription {
	ch := v.e.socket
	return []socket.Subscription{
		ch.On(protocol.TelemetryEvent(id), func(data json.RawMessage) {
			p, err := protocol.DecodeFleetTelemetry(data)
			if err != nil {
				v.e.dropped(protocol.TelemetryEvent(id), err)
				return
			}
			v.e.loop.Post(func() {
				v.updateRows(func(rows []models.FleetDevice) []models.FleetDevice {
					return reconcile.ApplyTelemetryToFleet(rows, id, p)
				})
			})
		}),
		ch.On(protocol.AlertEvent(id), func(json.RawMessage) {
			v.e.loop.Post(func() {
				v.updateRows(func(rows []models.FleetDevice) []models.FleetDevice {
					return reconcile.IncrementFleetAlerts(rows, id)
				})
			})
		}),
		ch.On(protocol.AckEvent(id), func(json.RawMessage) {
			v.e.loop.Post(func() {
				v.updateRows(func(rows []models.FleetDevice) []models.FleetDevice {
					return reconcile.DecrementFleetAlerts(rows, id)
				})
			})
		}),
	}
}

// updateRows rewrites the cached fleet. Events for a fleet that is not
// loaded are dropped.
func (v *FleetView) updateRows(fn func([]models.FleetDevice) []models.FleetDevice) {
	if v.closed {
		return
	}
	rows, ok := cache.Value[[]models.FleetDevice](v.e.cache, FleetKey())
	if !ok {
		return
	}
	v.e.cache.Put(FleetKey(), fn(rows))
}

// connectionChanged refetches the fleet after the push channel comes back,
// since events sent while it was down are lost.
func (v *FleetView) connectionChanged(up bool) {
	if v.closed {
		return
	}
	if !up {
		v.wasDown = true
		return
	}
	if v.wasDown {
		v.wasDown = false
		v.e.logger.Info("push channel reconnected, refreshing fleet")
		v.e.queries.Invalidate(FleetKey())
	}
}

// Snapshot returns the fleet filtered by search.
func (v *FleetView) Snapshot(ctx context.Context, search string) (FleetSnapshot, error) {
	var s FleetSnapshot
	err := v.e.loop.Call(ctx, func() { s = v.snapshot(search) })
	return s, err
}

func (v *FleetView) snapshot(search string) FleetSnapshot {
	now := v.e.clock.Now()
	s := FleetSnapshot{Now: now}
	if v.closed {
		return s
	}
	st := v.fleet.State()
	rows, _ := st.Data.([]models.FleetDevice)

	s.Rows = reconcile.FilterFleet(rows, search)
	s.Counts = reconcile.CountFleet(rows, now)
	s.IsColdLoading = st.IsPending && len(rows) == 0
	s.IsFetching = st.IsFetching
	s.Err = st.Err
	s.ErrorKind = api.Classify(st.Err)
	s.UpdatedAt = st.DataUpdatedAt
	return s
}

// Refetch reloads the fleet and waits for it.
func (v *FleetView) Refetch(ctx context.Context) error {
	return v.fleet.Refetch(ctx)
}

// Close removes every socket handler and releases the fleet query.
func (v *FleetView) Close(ctx context.Context) error {
	v.stateSub.Off()
	return v.e.loop.Call(ctx, func() {
		if v.closed {
			return
		}
		v.closed = true
		v.group.Clear()
		v.unsubscribe()
		v.fleet.Close()
		v.e.logger.Info("fleet view closed")
	})
}
