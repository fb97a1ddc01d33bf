// Package chatserver implements the serving engine: the listener,
// readiness-driven dispatcher, worker pool, request handlers, and the
// shared catalogues (registered users, connected-user slots, groups).
package chatserver

import (
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatty/internal/cmap"
	"chatty/internal/ringbuffer"
	"chatty/internal/strset"
	"chatty/internal/wire"
)

// HistoryEntry is one stored delivery in a user's ring buffer: enough to
// replay it verbatim from GETPREVMSGS.
type HistoryEntry struct {
	Op      wire.Opcode
	Sender  string
	Payload []byte
}

// RegisteredUser is the catalog entry for one nickname: its message
// history and, while online, the live connection carrying its traffic.
//
// Grounded on the teacher's Client (connection.go), narrowed from a
// pooled WebSocket connection object with reliability/subscription
// bookkeeping down to the two things the registered-user record actually
// owns: the history ring buffer and the current socket, since chatty has
// no gap-recovery sequence numbers or channel subscriptions.
type RegisteredUser struct {
	Nickname string
	History  *ringbuffer.Buffer[HistoryEntry]

	mu           sync.Mutex
	socket       net.Conn
	fd           int
	registeredAt time.Time // set once, at registration
	lastSeenAt   time.Time // updated on every successful Bind (REGISTER/CONNECT)
}

func newRegisteredUser(nickname string, histCap int) *RegisteredUser {
	return &RegisteredUser{
		Nickname:     nickname,
		History:      ringbuffer.New[HistoryEntry](histCap),
		fd:           -1,
		registeredAt: time.Now(),
	}
}

// Bind attaches a live connection to the user record.
func (u *RegisteredUser) Bind(conn net.Conn, fd int) {
	u.mu.Lock()
	u.socket = conn
	u.fd = fd
	u.lastSeenAt = time.Now()
	u.mu.Unlock()
}

// Unbind clears the live connection, marking the user offline.
func (u *RegisteredUser) Unbind() {
	u.mu.Lock()
	u.socket = nil
	u.fd = -1
	u.mu.Unlock()
}

// Socket returns the current connection and fd, or (nil, -1, false) if
// the user is offline.
func (u *RegisteredUser) Socket() (conn net.Conn, fd int, online bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.socket, u.fd, u.socket != nil
}

// Times returns the record's registration time and its last-seen time
// (the last successful Bind, i.e. the last REGISTER or CONNECT).
func (u *RegisteredUser) Times() (registeredAt, lastSeenAt time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.registeredAt, u.lastSeenAt
}

// connectedSlot holds one entry of the connected-user table.
type connectedSlot struct {
	nickname string
	conn     net.Conn
	fd       int
	occupied bool
}

// ConnectedTable is the fixed-size projection of "who is online" that
// lets handlers answer USRLIST and locate a socket's owning nickname
// without walking the registered-user map.
//
// Grounded on the spec's explicit duality requirement and on the
// teacher's SubscriptionSet (connection.go) for the locking shape: one
// mutex, write lock for mutation, read lock for queries.
type ConnectedTable struct {
	mu    sync.RWMutex
	slots []connectedSlot
}

// NewConnectedTable creates a table with exactly capacity slots.
func NewConnectedTable(capacity int) *ConnectedTable {
	return &ConnectedTable{slots: make([]connectedSlot, capacity)}
}

// Allocate claims the first free slot for (nickname, conn, fd). It
// returns ok=false if every slot is occupied.
func (t *ConnectedTable) Allocate(nickname string, conn net.Conn, fd int) (index int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		if !t.slots[i].occupied {
			t.slots[i] = connectedSlot{nickname: nickname, conn: conn, fd: fd, occupied: true}
			return i, true
		}
	}
	return 0, false
}

// ReleaseByFD clears the slot holding fd, if any, returning the nickname
// it held.
func (t *ConnectedTable) ReleaseByFD(fd int) (nickname string, found bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		if t.slots[i].occupied && t.slots[i].fd == fd {
			nickname = t.slots[i].nickname
			t.slots[i] = connectedSlot{}
			return nickname, true
		}
	}
	return "", false
}

// Contains reports whether nickname currently occupies a slot.
func (t *ConnectedTable) Contains(nickname string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i := range t.slots {
		if t.slots[i].occupied && t.slots[i].nickname == nickname {
			return true
		}
	}
	return false
}

// Count returns the number of occupied slots.
func (t *ConnectedTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for i := range t.slots {
		if t.slots[i].occupied {
			n++
		}
	}
	return n
}

// Capacity returns the fixed slot count (MaxConnections).
func (t *ConnectedTable) Capacity() int {
	return len(t.slots)
}

// Nicknames returns a snapshot of every connected nickname, in slot
// order, for USRLIST.
func (t *ConnectedTable) Nicknames() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.slots))
	for i := range t.slots {
		if t.slots[i].occupied {
			out = append(out, t.slots[i].nickname)
		}
	}
	return out
}

// Catalog bundles the three shared data structures the handlers operate
// on: registered users, groups, and the connected-user projection.
type Catalog struct {
	Users     *cmap.Map[*RegisteredUser]
	Groups    *cmap.Map[*strset.Set]
	Connected *ConnectedTable

	histCap int
}

// NewCatalog builds an empty catalog sized for the given history
// capacity (per-user ring buffer size) and connection limit.
func NewCatalog(histCap, maxConnections int) *Catalog {
	return &Catalog{
		Users:     cmap.New[*RegisteredUser](0),
		Groups:    cmap.New[*strset.Set](0),
		Connected: NewConnectedTable(maxConnections),
		histCap:   histCap,
	}
}

// Register attempts to create a new registered-user record for nickname.
// inserted is false if the nickname is already taken, in which case the
// catalog is unchanged.
func (c *Catalog) Register(nickname string) (user *RegisteredUser, inserted bool) {
	user = newRegisteredUser(nickname, c.histCap)
	if c.Users.SetIfEmpty(nickname, user) {
		return user, true
	}
	return nil, false
}

// Unregister removes nickname from the user catalog and from every
// group, returning the removed record if one existed.
func (c *Catalog) Unregister(nickname string) (user *RegisteredUser, found bool) {
	user, found = c.Users.Delete(nickname)
	if !found {
		return nil, false
	}
	c.Groups.GetAll(func(_ string, g *strset.Set) {
		_ = g.Remove(nickname) // absence from an unrelated group is not an error
	})
	return user, true
}

// AuxTimes reports the earliest registration time and the most recent
// activity time (last successful REGISTER or CONNECT) across every
// currently registered user. These are the auxiliary, non-authoritative
// fields the stats dump carries alongside the seven counters. A zero
// oldestRegistered means no registered user exists; a zero mostRecentSeen
// means no registered user has ever been bound to a socket.
func (c *Catalog) AuxTimes() (oldestRegistered, mostRecentSeen time.Time) {
	c.Users.GetAll(func(_ string, u *RegisteredUser) {
		registeredAt, lastSeenAt := u.Times()
		if oldestRegistered.IsZero() || registeredAt.Before(oldestRegistered) {
			oldestRegistered = registeredAt
		}
		if lastSeenAt.After(mostRecentSeen) {
			mostRecentSeen = lastSeenAt
		}
	})
	return oldestRegistered, mostRecentSeen
}

// LogFields returns zerolog fields summarizing catalog size, for startup
// and shutdown log lines.
func (c *Catalog) LogFields(ev *zerolog.Event) *zerolog.Event {
	return ev.Int("registered_users", c.Users.Len()).
		Int("groups", c.Groups.Len()).
		Int("connected", c.Connected.Count())
}
