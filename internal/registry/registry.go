// Package registry tracks live room membership for the consultation relay.
//
// Membership is soft state: it exists only while the owning connections are
// alive, so none of the operations here can fail. A room that does not exist
// behaves exactly like an empty room.
//
// Each room carries its own lock. A mutation and the publish step that
// announces it run under that lock, so every subscriber observes a room's
// membership broadcasts in the order the mutations were applied. Operations
// on different rooms never contend with each other.
package registry

import "sync"

// Participant is a single room member.
type Participant struct {
	// Principal is the authenticated identity supplied by the transport.
	Principal string

	// DisplayName is what other participants see. Defaults to the principal
	// when the client does not provide one.
	DisplayName string

	// UserType is an informational role hint (PATIENT, DOCTOR, OBSERVER,
	// USER). It carries no authorization weight.
	UserType string
}

// Snapshot is the full membership of one room at a point in time, keyed by
// principal. It is always a private copy; callers may retain it.
type Snapshot map[string]string

type room struct {
	mu sync.Mutex

	// gone marks a room that has been removed from the registry map. An
	// operation that finds a gone room must re-resolve it from the map.
	gone bool

	members map[string]Participant
}

func (rm *room) snapshotLocked() Snapshot {
	snap := make(Snapshot, len(rm.members))
	for principal, p := range rm.members {
		snap[principal] = p.DisplayName
	}
	return snap
}

// Registry maps room identifiers to their current participants.
//
// The registry-level mutex only guards the room map itself (creation and
// removal of room entries); it is never held while a room is mutated or
// while a publish callback runs.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*room
}

func New() *Registry {
	return &Registry{
		rooms: make(map[string]*room),
	}
}

func (r *Registry) lookup(roomID string) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[roomID]
}

func (r *Registry) lookupOrCreate(roomID string) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm := r.rooms[roomID]
	if rm == nil {
		rm = &room{members: make(map[string]Participant)}
		r.rooms[roomID] = rm
	}
	return rm
}

// remove deletes the map entry for roomID, but only if it still points at
// rm. The caller must have marked rm gone first, so a room created for the
// same identifier in the meantime is never clobbered.
func (r *Registry) remove(roomID string, rm *room) {
	r.mu.Lock()
	if r.rooms[roomID] == rm {
		delete(r.rooms, roomID)
	}
	r.mu.Unlock()
}

// Join inserts or overwrites the entry for p.Principal in roomID, creating
// the room if needed. Re-joining simply overwrites the display name and
// user type.
//
// publish, if non-nil, is invoked with the post-join membership snapshot
// while the room is still locked. Keep it cheap and never call back into
// the registry from it.
func (r *Registry) Join(roomID string, p Participant, publish func(Snapshot)) Snapshot {
	for {
		rm := r.lookupOrCreate(roomID)
		rm.mu.Lock()
		if rm.gone {
			rm.mu.Unlock()
			continue
		}
		rm.members[p.Principal] = p
		snap := rm.snapshotLocked()
		if publish != nil {
			publish(snap)
		}
		rm.mu.Unlock()
		return snap
	}
}

// Leave removes principal from roomID. When the room becomes empty its
// entry is dropped from the registry. Leaving an unknown room or principal
// is a no-op that reports removed = false and an empty snapshot.
//
// publish, if non-nil, runs under the room lock with the display name of
// the removed entry (empty if none) and the remaining membership.
func (r *Registry) Leave(roomID, principal string, publish func(removed string, ok bool, remaining Snapshot)) (string, bool, Snapshot) {
	for {
		rm := r.lookup(roomID)
		if rm == nil {
			if publish != nil {
				publish("", false, Snapshot{})
			}
			return "", false, Snapshot{}
		}
		rm.mu.Lock()
		if rm.gone {
			rm.mu.Unlock()
			continue
		}
		p, ok := rm.members[principal]
		if ok {
			delete(rm.members, principal)
		}
		snap := rm.snapshotLocked()
		empty := len(rm.members) == 0
		if empty {
			rm.gone = true
		}
		if publish != nil {
			publish(p.DisplayName, ok, snap)
		}
		rm.mu.Unlock()
		if empty {
			r.remove(roomID, rm)
		}
		return p.DisplayName, ok, snap
	}
}

// End unconditionally tears the room down, regardless of remaining
// membership. Ending an unknown room still runs publish: the consultation
// end announcement is not conditional on tracked members.
func (r *Registry) End(roomID string, publish func()) {
	for {
		rm := r.lookup(roomID)
		if rm == nil {
			if publish != nil {
				publish()
			}
			return
		}
		rm.mu.Lock()
		if rm.gone {
			rm.mu.Unlock()
			continue
		}
		rm.gone = true
		rm.members = nil
		if publish != nil {
			publish()
		}
		rm.mu.Unlock()
		r.remove(roomID, rm)
		return
	}
}

// Snapshot returns the current membership of roomID, empty if the room does
// not exist.
func (r *Registry) Snapshot(roomID string) Snapshot {
	rm := r.lookup(roomID)
	if rm == nil {
		return Snapshot{}
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.gone {
		return Snapshot{}
	}
	return rm.snapshotLocked()
}

// DisplayName returns the display name registered for principal in roomID.
func (r *Registry) DisplayName(roomID, principal string) (string, bool) {
	rm := r.lookup(roomID)
	if rm == nil {
		return "", false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.gone {
		return "", false
	}
	p, ok := rm.members[principal]
	return p.DisplayName, ok
}

// Rooms returns the number of rooms currently tracked.
func (r *Registry) Rooms() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
