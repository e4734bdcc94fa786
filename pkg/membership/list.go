package membership

import (
	"maps"
	"slices"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// DefaultMissThreshold is used when a List is created with a threshold < 1.
const DefaultMissThreshold = 3

type entry struct {
	Member
	refreshed bool
}

// List is the member set of one group. The owning group is the only writer;
// readers get copies.
type List struct {
	mu        sync.RWMutex
	group     string
	threshold int
	members   map[string]*entry
	onRemove  []func(Member)
	log       *zap.Logger
}

func NewList(group string, missThreshold int, log *zap.Logger) *List {
	if missThreshold < 1 {
		missThreshold = DefaultMissThreshold
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &List{
		group:     group,
		threshold: missThreshold,
		members:   make(map[string]*entry),
		log:       log.Named("members").With(zap.String("group", group)),
	}
}

// OnRemove registers fn to run, outside the list lock, for every member that
// is removed by Tick or Leave.
func (l *List) OnRemove(fn func(Member)) {
	l.mu.Lock()
	l.onRemove = append(l.onRemove, fn)
	l.mu.Unlock()
}

// AddLocal lists a member joined by this process.
func (l *List) AddLocal(id, addr string, props map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.members[id] = &entry{Member: Member{
		ID:    id,
		Group: l.group,
		Addr:  addr,
		Props: maps.Clone(props),
		State: StateActive,
		Local: true,
	}}
}

// RemoveLocal drops a local member without running the removal callbacks.
func (l *List) RemoveLocal(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.members[id]; ok && e.Local {
		delete(l.members, id)
	}
}

// Announce records an announcement from id. Unknown members are added,
// known ones refreshed; repeating an announcement is harmless. It reports
// whether the member is new. Announcements that claim a local id are ignored.
func (l *List) Announce(id, addr string, props map[string]string, netTime uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.members[id]
	if !ok {
		l.members[id] = &entry{
			Member: Member{
				ID:       id,
				Group:    l.group,
				Addr:     addr,
				Props:    maps.Clone(props),
				State:    StateAnnounced,
				LastSeen: netTime,
			},
			refreshed: true,
		}
		l.log.Info("member joined", zap.String("member", id), zap.String("addr", addr))
		return true
	}
	if e.Local {
		return false
	}
	e.refreshed = true
	e.Misses = 0
	if e.State == StateStale {
		e.State = StateActive
	}
	if netTime > e.LastSeen {
		e.LastSeen = netTime
	}
	e.Addr = addr
	if props != nil {
		e.Props = maps.Clone(props)
	}
	return false
}

// Leave removes a remote member right away.
func (l *List) Leave(id string) (Member, bool) {
	l.mu.Lock()
	e, ok := l.members[id]
	if !ok || e.Local {
		l.mu.Unlock()
		return Member{}, false
	}
	delete(l.members, id)
	e.State = StateRemoved
	m := e.Member.clone()
	callbacks := slices.Clone(l.onRemove)
	l.mu.Unlock()

	l.log.Info("member left", zap.String("member", id))
	for _, fn := range callbacks {
		fn(m)
	}
	return m, true
}

// Tick advances every remote member by one announce cycle and returns the
// members removed by it.
func (l *List) Tick() []Member {
	l.mu.Lock()
	var removed []Member
	for id, e := range l.members {
		if e.Local {
			continue
		}
		if e.refreshed {
			e.refreshed = false
			e.State = StateActive
			continue
		}
		e.Misses++
		if e.Misses >= l.threshold {
			e.State = StateRemoved
			removed = append(removed, e.Member.clone())
			delete(l.members, id)
			continue
		}
		e.State = StateStale
	}
	callbacks := slices.Clone(l.onRemove)
	l.mu.Unlock()

	for _, m := range removed {
		l.log.Warn("member timed out", zap.String("member", m.ID), zap.Int("missed", m.Misses))
		for _, fn := range callbacks {
			fn(m)
		}
	}
	return removed
}

func (l *List) Get(id string) (Member, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.members[id]
	if !ok {
		return Member{}, false
	}
	return e.Member.clone(), true
}

func (l *List) Contains(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.members[id]
	return ok
}

// Snapshot returns copies of all members sorted by id.
func (l *List) Snapshot() []Member {
	l.mu.RLock()
	out := make([]Member, 0, len(l.members))
	for _, e := range l.members {
		out = append(out, e.Member.clone())
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns the ids of all members except exclude, sorted.
func (l *List) IDs(exclude string) []string {
	l.mu.RLock()
	out := make([]string, 0, len(l.members))
	for id := range l.members {
		if id != exclude {
			out = append(out, id)
		}
	}
	l.mu.RUnlock()
	slices.Sort(out)
	return out
}

func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.members)
}
