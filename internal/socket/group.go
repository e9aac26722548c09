package socket

// Group holds the subscriptions made for one set of devices.
type Group struct {
	key  string
	set  bool
	subs []Subscription
}

// Replace swaps the group's subscriptions for those returned by subscribe,
// unless key names the set already subscribed. It reports whether the
// subscriptions changed. Previous handlers are removed before subscribe runs.
func (g *Group) Replace(key string, subscribe func() []Subscription) bool {
	if g.set && g.key == key {
		return false
	}
	g.Clear()
	g.key = key
	g.set = true
	g.subs = subscribe()
	return true
}

// Len returns the number of live subscriptions.
func (g *Group) Len() int { return len(g.subs) }

// Clear removes every subscription.
func (g *Group) Clear() {
	for _, s := range g.subs {
		s.Off()
	}
	g.subs = nil
	g.key = ""
	g.set = false
}
