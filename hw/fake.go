// The fake driver is an in-memory device used by tests and by the
// daemon when no real backend is configured. It validates reference
// integrity the way a real SDK would and records an operation log that
// tests assert against.

package hw

import (
	"fmt"
	"net/netip"
	"sort"
	"sync"

	"github.com/openconfig/fwdgo/route"
)

// FakeDriver is an in-memory Driver.
type FakeDriver struct {
	mu sync.Mutex

	hostSupport bool
	nextID      EgressID

	egresses map[EgressID]EgressDesc
	ecmps    map[EgressID][]EgressID
	routes   map[routeKey]DumpRoute
	hosts    map[hostKey]DumpHost
	labels   map[route.Label]DumpLabel

	ops []string
	// failSkip mutating calls pass, then failCount calls fail.
	failSkip  int
	failCount int
}

// FakeOpt configures a FakeDriver.
type FakeOpt interface {
	isFakeOpt()
}

type withHostTable struct{}

func (*withHostTable) isFakeOpt() {}

// WithHostTable enables the host-route fast path on the fake device.
func WithHostTable() FakeOpt {
	return &withHostTable{}
}

type withDump struct {
	d *Dump
}

func (*withDump) isFakeOpt() {}

// WithDump seeds the fake device with pre-existing objects, as a switch
// has across a warm boot.
func WithDump(d *Dump) FakeOpt {
	return &withDump{d: d}
}

// NewFakeDriver returns an empty fake device.
func NewFakeDriver(opts ...FakeOpt) *FakeDriver {
	f := &FakeDriver{
		nextID:   1000,
		egresses: map[EgressID]EgressDesc{},
		ecmps:    map[EgressID][]EgressID{},
		routes:   map[routeKey]DumpRoute{},
		hosts:    map[hostKey]DumpHost{},
		labels:   map[route.Label]DumpLabel{},
	}
	for _, o := range opts {
		switch v := o.(type) {
		case *withHostTable:
			f.hostSupport = true
		case *withDump:
			f.seed(v.d)
		}
	}
	return f
}

func (f *FakeDriver) seed(d *Dump) {
	if d == nil {
		return
	}
	for _, e := range d.Egresses {
		f.egresses[e.ID] = e.Desc
		if e.ID >= f.nextID {
			f.nextID = e.ID + 1
		}
	}
	for _, g := range d.Ecmps {
		f.ecmps[g.ID] = append([]EgressID{}, g.Members...)
		if g.ID >= f.nextID {
			f.nextID = g.ID + 1
		}
	}
	for _, r := range d.Routes {
		f.routes[routeKey{vrf: r.Vrf, pfx: r.Prefix}] = r
	}
	for _, h := range d.Hosts {
		f.hosts[hostKey{vrf: h.Vrf, addr: h.Addr}] = h
	}
	for _, l := range d.Labels {
		f.labels[l.Label] = l
	}
}

// FailNext makes the next n mutating driver calls fail.
func (f *FakeDriver) FailNext(n int) {
	f.FailAfter(0, n)
}

// FailAfter lets skip mutating calls pass, then fails the following n.
func (f *FakeDriver) FailAfter(skip, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSkip, f.failCount = skip, n
}

// Ops returns a copy of the operation log.
func (f *FakeDriver) Ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.ops...)
}

// ClearOps resets the operation log.
func (f *FakeDriver) ClearOps() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = nil
}

// EgressCount returns the number of device egress objects, ECMP groups
// excluded.
func (f *FakeDriver) EgressCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.egresses)
}

// EcmpCount returns the number of device ECMP groups.
func (f *FakeDriver) EcmpCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ecmps)
}

// RouteCount returns the number of LPM route entries.
func (f *FakeDriver) RouteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.routes)
}

// HostCount returns the number of host-table entries.
func (f *FakeDriver) HostCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.hosts)
}

// op records one mutating call, failing it when failure injection is
// armed.
func (f *FakeDriver) op(format string, args ...any) error {
	s := fmt.Sprintf(format, args...)
	if f.failCount > 0 {
		if f.failSkip > 0 {
			f.failSkip--
		} else {
			f.failCount--
			f.ops = append(f.ops, "FAILED "+s)
			return fmt.Errorf("injected failure on %q", s)
		}
	}
	f.ops = append(f.ops, s)
	return nil
}

// HostRouteSupport implements Driver.
func (f *FakeDriver) HostRouteSupport() bool {
	return f.hostSupport
}

// CreateEgress implements Driver.
func (f *FakeDriver) CreateEgress(desc EgressDesc) (EgressID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	if err := f.op("create-egress %d %s", id, desc.key()); err != nil {
		return 0, err
	}
	f.nextID++
	f.egresses[id] = desc
	return id, nil
}

// UpdateEgress implements Driver.
func (f *FakeDriver) UpdateEgress(id EgressID, desc EgressDesc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.egresses[id]; !ok {
		return fmt.Errorf("update of unknown egress %d", id)
	}
	if err := f.op("update-egress %d punt=%v", id, desc.Punt); err != nil {
		return err
	}
	f.egresses[id] = desc
	return nil
}

// DeleteEgress implements Driver.
func (f *FakeDriver) DeleteEgress(id EgressID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.egresses[id]; !ok {
		return fmt.Errorf("delete of unknown egress %d", id)
	}
	for gid, members := range f.ecmps {
		for _, m := range members {
			if m == id {
				return fmt.Errorf("egress %d still referenced by group %d", id, gid)
			}
		}
	}
	for k, r := range f.routes {
		if r.Egress == id {
			return fmt.Errorf("egress %d still referenced by route %v", id, k.pfx)
		}
	}
	if err := f.op("delete-egress %d", id); err != nil {
		return err
	}
	delete(f.egresses, id)
	return nil
}

// CreateEcmp implements Driver.
func (f *FakeDriver) CreateEcmp(members []EgressID) (EgressID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(members) < 2 {
		return 0, fmt.Errorf("ECMP group needs at least 2 members, got %d", len(members))
	}
	for _, m := range members {
		if _, ok := f.egresses[m]; !ok {
			return 0, fmt.Errorf("ECMP member %d does not exist", m)
		}
	}
	id := f.nextID
	if err := f.op("create-ecmp %d %s", id, ecmpKey(members)); err != nil {
		return 0, err
	}
	f.nextID++
	f.ecmps[id] = append([]EgressID{}, members...)
	return id, nil
}

// AddEcmpMember implements Driver.
func (f *FakeDriver) AddEcmpMember(group, member EgressID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.ecmps[group]; !ok {
		return fmt.Errorf("unknown ECMP group %d", group)
	}
	if _, ok := f.egresses[member]; !ok {
		return fmt.Errorf("unknown ECMP member %d", member)
	}
	if err := f.op("ecmp-add %d %d", group, member); err != nil {
		return err
	}
	f.ecmps[group] = append(f.ecmps[group], member)
	return nil
}

// DelEcmpMember implements Driver.
func (f *FakeDriver) DelEcmpMember(group, member EgressID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	members, ok := f.ecmps[group]
	if !ok {
		return fmt.Errorf("unknown ECMP group %d", group)
	}
	idx := -1
	for i, m := range members {
		if m == member {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("member %d not in group %d", member, group)
	}
	if err := f.op("ecmp-del %d %d", group, member); err != nil {
		return err
	}
	f.ecmps[group] = append(members[:idx], members[idx+1:]...)
	return nil
}

// DeleteEcmp implements Driver.
func (f *FakeDriver) DeleteEcmp(id EgressID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.ecmps[id]; !ok {
		return fmt.Errorf("delete of unknown ECMP group %d", id)
	}
	for k, r := range f.routes {
		if r.Egress == id {
			return fmt.Errorf("group %d still referenced by route %v", id, k.pfx)
		}
	}
	if err := f.op("delete-ecmp %d", id); err != nil {
		return err
	}
	delete(f.ecmps, id)
	return nil
}

// AddRoute implements Driver.
func (f *FakeDriver) AddRoute(vrf route.RouterID, pfx netip.Prefix, egress EgressID, flags RouteFlags, replace bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := routeKey{vrf: vrf, pfx: pfx}
	if _, exists := f.routes[k]; exists && !replace {
		return fmt.Errorf("route %v already exists", pfx)
	}
	if !f.validEgress(egress) {
		return fmt.Errorf("route %v references unknown egress %d", pfx, egress)
	}
	if err := f.op("add-route %d %v egress=%d flags=%d replace=%v", vrf, pfx, egress, flags, replace); err != nil {
		return err
	}
	f.routes[k] = DumpRoute{Vrf: vrf, Prefix: pfx, Egress: egress, Flags: flags}
	return nil
}

// DeleteRoute implements Driver.
func (f *FakeDriver) DeleteRoute(vrf route.RouterID, pfx netip.Prefix) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := routeKey{vrf: vrf, pfx: pfx}
	if _, ok := f.routes[k]; !ok {
		return fmt.Errorf("delete of unknown route %v", pfx)
	}
	if err := f.op("delete-route %d %v", vrf, pfx); err != nil {
		return err
	}
	delete(f.routes, k)
	return nil
}

// AddHostEntry implements Driver.
func (f *FakeDriver) AddHostEntry(vrf route.RouterID, addr netip.Addr, egress EgressID, ecmp, replace bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.hostSupport {
		return fmt.Errorf("host table not supported")
	}
	k := hostKey{vrf: vrf, addr: addr}
	if _, exists := f.hosts[k]; exists && !replace {
		return fmt.Errorf("host entry %v already exists", addr)
	}
	if !f.validEgress(egress) {
		return fmt.Errorf("host entry %v references unknown egress %d", addr, egress)
	}
	if err := f.op("add-host %d %v egress=%d ecmp=%v replace=%v", vrf, addr, egress, ecmp, replace); err != nil {
		return err
	}
	f.hosts[k] = DumpHost{Vrf: vrf, Addr: addr, Egress: egress, Ecmp: ecmp}
	return nil
}

// DeleteHostEntry implements Driver.
func (f *FakeDriver) DeleteHostEntry(vrf route.RouterID, addr netip.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := hostKey{vrf: vrf, addr: addr}
	if _, ok := f.hosts[k]; !ok {
		return fmt.Errorf("delete of unknown host entry %v", addr)
	}
	if err := f.op("delete-host %d %v", vrf, addr); err != nil {
		return err
	}
	delete(f.hosts, k)
	return nil
}

// AddLabelEntry implements Driver.
func (f *FakeDriver) AddLabelEntry(label route.Label, egress EgressID, flags RouteFlags, replace bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.labels[label]; exists && !replace {
		return fmt.Errorf("label entry %d already exists", label)
	}
	if !f.validEgress(egress) {
		return fmt.Errorf("label entry %d references unknown egress %d", label, egress)
	}
	if err := f.op("add-label %d egress=%d flags=%d replace=%v", label, egress, flags, replace); err != nil {
		return err
	}
	f.labels[label] = DumpLabel{Label: label, Egress: egress, Flags: flags}
	return nil
}

// DeleteLabelEntry implements Driver.
func (f *FakeDriver) DeleteLabelEntry(label route.Label) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.labels[label]; !ok {
		return fmt.Errorf("delete of unknown label entry %d", label)
	}
	if err := f.op("delete-label %d", label); err != nil {
		return err
	}
	delete(f.labels, label)
	return nil
}

func (f *FakeDriver) validEgress(id EgressID) bool {
	if _, ok := f.egresses[id]; ok {
		return true
	}
	_, ok := f.ecmps[id]
	return ok
}

// Dump implements Driver; output ordering is deterministic.
func (f *FakeDriver) Dump() (*Dump, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := &Dump{}
	for id, desc := range f.egresses {
		d.Egresses = append(d.Egresses, DumpEgress{ID: id, Desc: desc})
	}
	sort.Slice(d.Egresses, func(i, j int) bool { return d.Egresses[i].ID < d.Egresses[j].ID })
	for id, members := range f.ecmps {
		d.Ecmps = append(d.Ecmps, DumpEcmp{ID: id, Members: append([]EgressID{}, members...)})
	}
	sort.Slice(d.Ecmps, func(i, j int) bool { return d.Ecmps[i].ID < d.Ecmps[j].ID })
	for _, r := range f.routes {
		d.Routes = append(d.Routes, r)
	}
	sort.Slice(d.Routes, func(i, j int) bool {
		if d.Routes[i].Vrf != d.Routes[j].Vrf {
			return d.Routes[i].Vrf < d.Routes[j].Vrf
		}
		return lessPrefix(d.Routes[i].Prefix, d.Routes[j].Prefix)
	})
	for _, h := range f.hosts {
		d.Hosts = append(d.Hosts, h)
	}
	sort.Slice(d.Hosts, func(i, j int) bool {
		if d.Hosts[i].Vrf != d.Hosts[j].Vrf {
			return d.Hosts[i].Vrf < d.Hosts[j].Vrf
		}
		return d.Hosts[i].Addr.Compare(d.Hosts[j].Addr) < 0
	})
	for _, l := range f.labels {
		d.Labels = append(d.Labels, l)
	}
	sort.Slice(d.Labels, func(i, j int) bool { return d.Labels[i].Label < d.Labels[j].Label })
	return d, nil
}

func lessPrefix(a, b netip.Prefix) bool {
	if c := a.Addr().Compare(b.Addr()); c != 0 {
		return c < 0
	}
	return a.Bits() < b.Bits()
}

var _ Driver = (*FakeDriver)(nil)
