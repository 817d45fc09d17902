package server

import (
	"sort"
	"sync"
	"time"

	"github.com/lattechat/latte/pkg/protocol"
)

// Peer is the delivery side of a connected session. The dispatcher and
// the group sweeper hold Peers of other sessions and never touch their
// connections directly.
type Peer interface {
	// Enqueue schedules a message for asynchronous delivery. target,
	// when non-empty, names the user the message was addressed to;
	// delivery is skipped if the session is no longer bound to that
	// user. Enqueue never blocks and reports whether the message was
	// accepted.
	Enqueue(msg *protocol.Message, target string) bool

	// ForceClose tears the session down without waiting for its read
	// loop to notice.
	ForceClose()
}

// Registries bundles the shared state every session mutates. A single
// instance is created per server and handed to each session.
type Registries struct {
	Sessions  *SessionRegistry
	Groups    *GroupRegistry
	Keys      *KeyRegistry
	Transfers *TransferRegistry
}

func NewRegistries() *Registries {
	return &Registries{
		Sessions:  NewSessionRegistry(),
		Groups:    NewGroupRegistry(),
		Keys:      NewKeyRegistry(),
		Transfers: NewTransferRegistry(),
	}
}

// SessionInfo is one row of a session snapshot.
type SessionInfo struct {
	Username      string
	Peer          Peer
	Authenticated bool
}

// SessionRegistry maps logged-in usernames to their sessions. A
// username is held by at most one session at a time.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]sessionEntry
}

type sessionEntry struct {
	peer          Peer
	authenticated bool
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]sessionEntry)}
}

// Bind claims username for p. It fails if the name is already taken.
func (sr *SessionRegistry) Bind(username string, p Peer, authenticated bool) bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	if _, taken := sr.sessions[username]; taken {
		return false
	}
	sr.sessions[username] = sessionEntry{peer: p, authenticated: authenticated}
	return true
}

// Unbind releases username, but only if p still holds it. This keeps a
// late cleanup from evicting a session that re-claimed the name.
func (sr *SessionRegistry) Unbind(username string, p Peer) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	if entry, ok := sr.sessions[username]; ok && entry.peer == p {
		delete(sr.sessions, username)
	}
}

// Get returns the session currently bound to username.
func (sr *SessionRegistry) Get(username string) (Peer, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	entry, ok := sr.sessions[username]
	return entry.peer, ok
}

// Snapshot returns all bound sessions sorted by username.
func (sr *SessionRegistry) Snapshot() []SessionInfo {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	result := make([]SessionInfo, 0, len(sr.sessions))
	for name, entry := range sr.sessions {
		result = append(result, SessionInfo{
			Username:      name,
			Peer:          entry.peer,
			Authenticated: entry.authenticated,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Username < result[j].Username })
	return result
}

func (sr *SessionRegistry) Count() int {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	return len(sr.sessions)
}

// GroupInfo is one row of a per-user group listing.
type GroupInfo struct {
	Name   string
	Member bool
}

// Eviction records one member removed by an inactivity sweep.
type Eviction struct {
	Group    string
	Username string
}

// GroupRegistry manages chat groups and their members. Each membership
// carries a last-activity timestamp used by the inactivity sweep.
type GroupRegistry struct {
	mu     sync.RWMutex
	groups map[string]map[string]time.Time // group -> member -> last activity
	now    func() time.Time
}

func NewGroupRegistry() *GroupRegistry {
	return &GroupRegistry{
		groups: make(map[string]map[string]time.Time),
		now:    time.Now,
	}
}

// Create adds an empty group. It fails if the name is already taken.
// Groups outlive their members: a group with zero members still exists.
func (gr *GroupRegistry) Create(name string) bool {
	gr.mu.Lock()
	defer gr.mu.Unlock()

	if _, taken := gr.groups[name]; taken {
		return false
	}
	gr.groups[name] = make(map[string]time.Time)
	return true
}

func (gr *GroupRegistry) Exists(name string) bool {
	gr.mu.RLock()
	defer gr.mu.RUnlock()
	_, ok := gr.groups[name]
	return ok
}

// Join adds username to the group with a fresh activity timestamp.
func (gr *GroupRegistry) Join(name, username string) (exists, wasMember bool) {
	gr.mu.Lock()
	defer gr.mu.Unlock()

	members, ok := gr.groups[name]
	if !ok {
		return false, false
	}
	_, wasMember = members[username]
	members[username] = gr.now()
	return true, wasMember
}

// Leave removes username from the group. The group itself stays.
func (gr *GroupRegistry) Leave(name, username string) (exists, wasMember bool) {
	gr.mu.Lock()
	defer gr.mu.Unlock()

	members, ok := gr.groups[name]
	if !ok {
		return false, false
	}
	if _, wasMember = members[username]; wasMember {
		delete(members, username)
	}
	return true, wasMember
}

// Touch refreshes username's activity timestamp in the group.
func (gr *GroupRegistry) Touch(name, username string) {
	gr.mu.Lock()
	defer gr.mu.Unlock()

	if members, ok := gr.groups[name]; ok {
		if _, member := members[username]; member {
			members[username] = gr.now()
		}
	}
}

func (gr *GroupRegistry) IsMember(name, username string) bool {
	gr.mu.RLock()
	defer gr.mu.RUnlock()

	members, ok := gr.groups[name]
	if !ok {
		return false
	}
	_, member := members[username]
	return member
}

// Members returns the group's members sorted by name.
func (gr *GroupRegistry) Members(name string) []string {
	gr.mu.RLock()
	defer gr.mu.RUnlock()

	members := gr.groups[name]
	result := make([]string, 0, len(members))
	for user := range members {
		result = append(result, user)
	}
	sort.Strings(result)
	return result
}

// List returns every group sorted by name, flagging the ones username
// belongs to.
func (gr *GroupRegistry) List(username string) []GroupInfo {
	gr.mu.RLock()
	defer gr.mu.RUnlock()

	result := make([]GroupInfo, 0, len(gr.groups))
	for name, members := range gr.groups {
		_, member := members[username]
		result = append(result, GroupInfo{Name: name, Member: member})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// RemoveUser drops username from every group. Used at session cleanup.
func (gr *GroupRegistry) RemoveUser(username string) {
	gr.mu.Lock()
	defer gr.mu.Unlock()

	for _, members := range gr.groups {
		delete(members, username)
	}
}

// SweepInactive removes members whose last activity is older than
// maxAge and reports who was evicted from where.
func (gr *GroupRegistry) SweepInactive(maxAge time.Duration) []Eviction {
	gr.mu.Lock()
	defer gr.mu.Unlock()

	cutoff := gr.now().Add(-maxAge)
	var evicted []Eviction
	for name, members := range gr.groups {
		for user, last := range members {
			if last.Before(cutoff) {
				delete(members, user)
				evicted = append(evicted, Eviction{Group: name, Username: user})
			}
		}
	}
	return evicted
}

// KeyRegistry stores the public keys users have submitted for
// end-to-end encryption. Keys are opaque to the server beyond the
// format check at submission.
type KeyRegistry struct {
	mu   sync.RWMutex
	keys map[string]string
}

func NewKeyRegistry() *KeyRegistry {
	return &KeyRegistry{keys: make(map[string]string)}
}

func (kr *KeyRegistry) Put(username, key string) {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	kr.keys[username] = key
}

func (kr *KeyRegistry) Get(username string) (string, bool) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	key, ok := kr.keys[username]
	return key, ok
}

func (kr *KeyRegistry) Remove(username string) {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	delete(kr.keys, username)
}

// TransferRegistry tracks file transfer legs by username. An accepted
// offer creates placeholder entries (nil legs) for both parties; each
// party's relay connection later activates its own entry and waits for
// the partner's to go live.
type TransferRegistry struct {
	mu      sync.Mutex
	legs    map[string]*FileLeg
	waiters map[string]chan struct{}
}

func NewTransferRegistry() *TransferRegistry {
	return &TransferRegistry{
		legs:    make(map[string]*FileLeg),
		waiters: make(map[string]chan struct{}),
	}
}

// Expect registers placeholder legs for both transfer parties. Called
// when a receive-file request accepts an offer.
func (tr *TransferRegistry) Expect(a, b string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if _, ok := tr.legs[a]; !ok {
		tr.legs[a] = nil
	}
	if _, ok := tr.legs[b]; !ok {
		tr.legs[b] = nil
	}
}

// Pending reports whether username has a registered transfer, live or
// placeholder.
func (tr *TransferRegistry) Pending(username string) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	_, ok := tr.legs[username]
	return ok
}

// Activate replaces username's placeholder with the live leg and wakes
// a partner waiting on it.
func (tr *TransferRegistry) Activate(username string, leg *FileLeg) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	tr.legs[username] = leg
	if ch, ok := tr.waiters[username]; ok {
		close(ch)
		delete(tr.waiters, username)
	}
}

// AwaitLive blocks until username's leg goes live or timeout elapses.
func (tr *TransferRegistry) AwaitLive(username string, timeout time.Duration) (*FileLeg, bool) {
	tr.mu.Lock()
	if leg := tr.legs[username]; leg != nil {
		tr.mu.Unlock()
		return leg, true
	}
	ch, ok := tr.waiters[username]
	if !ok {
		ch = make(chan struct{})
		tr.waiters[username] = ch
	}
	tr.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		tr.mu.Lock()
		leg := tr.legs[username]
		tr.mu.Unlock()
		return leg, leg != nil
	case <-timer.C:
		return nil, false
	}
}

// Remove drops username's entry and any waiter blocked on it.
func (tr *TransferRegistry) Remove(username string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.removeLocked(username)
}

func (tr *TransferRegistry) removeLocked(username string) {
	delete(tr.legs, username)
	if ch, ok := tr.waiters[username]; ok {
		close(ch)
		delete(tr.waiters, username)
	}
}

// Finish is called by a leg when its relay ends. If the partner leg is
// already done (inactive, or still a placeholder), this call removes
// both entries; otherwise the leg only marks itself inactive and the
// partner's Finish performs the removal. Exactly one leg deletes.
func (tr *TransferRegistry) Finish(current, remote string, leg *FileLeg) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	partner, ok := tr.legs[remote]
	if ok && (partner == nil || partner.inactive.Load()) {
		tr.removeLocked(remote)
		tr.removeLocked(current)
		return
	}
	leg.inactive.Store(true)
}
