// Package registry keeps the in-memory directory of joined connections and
// the room and display name each one holds.
//
// Rooms are not stored; a room is the set of entries sharing a room label,
// so it appears on the first join and disappears with its last member.
package registry

import (
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrNameTaken reports that another connection in the room already uses the name.
	ErrNameTaken = errors.New("registry: name already taken in room")

	// ErrInvalidEntry reports an empty room or name.
	ErrInvalidEntry = errors.New("registry: room and name are required")
)

// Peer is the transport-side view of a connection. The registry only uses it
// as an identity key and hands it back to callers for delivery.
type Peer interface {
	ID() uuid.UUID
	Send(payload []byte) error
}

// Entry is a joined connection.
type Entry struct {
	Peer Peer
	Room string
	Name string
}

// Registry is not safe for concurrent use. The owner serializes access so that
// a mutation and the broadcast computed from it happen under one lock.
type Registry struct {
	entries []*Entry
	byID    map[uuid.UUID]*Entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byID: make(map[uuid.UUID]*Entry),
	}
}

// Add inserts a joined entry for peer. It fails if the room already holds name.
func (r *Registry) Add(peer Peer, room, name string) error {
	if peer == nil || room == "" || name == "" {
		return ErrInvalidEntry
	}
	if r.NameTaken(room, name) {
		return ErrNameTaken
	}

	// At most one entry per handle.
	r.remove(peer.ID())

	e := &Entry{Peer: peer, Room: room, Name: name}
	r.entries = append(r.entries, e)
	r.byID[peer.ID()] = e
	return nil
}

// RemoveByHandle drops the entry for id and reports the room it was in.
func (r *Registry) RemoveByHandle(id uuid.UUID) (string, bool) {
	e := r.remove(id)
	if e == nil {
		return "", false
	}
	return e.Room, true
}

// ReplaceForHandle removes any prior entry for peer and then adds it to room
// under name. When the name is taken the prior entry stays removed and the
// connection is left unjoined.
func (r *Registry) ReplaceForHandle(peer Peer, room, name string) error {
	if peer == nil {
		return ErrInvalidEntry
	}
	r.remove(peer.ID())
	return r.Add(peer, room, name)
}

// FindByHandle returns a copy of the entry for id.
func (r *Registry) FindByHandle(id uuid.UUID) (Entry, bool) {
	e, ok := r.byID[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// NamesInRoom lists the names in room in insertion order.
func (r *Registry) NamesInRoom(room string) []string {
	names := make([]string, 0)
	for _, e := range r.entries {
		if e.Room == room {
			names = append(names, e.Name)
		}
	}
	return names
}

// ConnectionsInRoom lists the peers in room in insertion order.
func (r *Registry) ConnectionsInRoom(room string) []Peer {
	var peers []Peer
	for _, e := range r.entries {
		if e.Room == room {
			peers = append(peers, e.Peer)
		}
	}
	return peers
}

// NameTaken reports whether name is held by someone in room.
func (r *Registry) NameTaken(room, name string) bool {
	for _, e := range r.entries {
		if e.Room == room && e.Name == name {
			return true
		}
	}
	return false
}

// Len returns the number of joined entries.
func (r *Registry) Len() int {
	return len(r.entries)
}

// RoomCount returns the number of distinct rooms with at least one member.
func (r *Registry) RoomCount() int {
	rooms := make(map[string]struct{}, len(r.entries))
	for _, e := range r.entries {
		rooms[e.Room] = struct{}{}
	}
	return len(rooms)
}

func (r *Registry) remove(id uuid.UUID) *Entry {
	e, ok := r.byID[id]
	if !ok {
		return nil
	}
	delete(r.byID, id)

	for i, cur := range r.entries {
		if cur == e {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			break
		}
	}
	return e
}
