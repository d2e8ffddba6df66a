package memory

import (
	"errors"
	"sort"
	"sync"

	"github.com/adwski/robot-teleop/backend/model"
)

var (
	ErrRoomNotFound = errors.New("room is not found")
	ErrNotAMember   = errors.New("connection is not a member of this room")
)

// MemStore is the relay room table. Every membership change takes the write
// lock; RangePeers holds the read lock for the whole iteration.
type MemStore struct {
	mx      *sync.RWMutex
	rooms   map[string]map[string]struct{}
	members map[string]string
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx:      &sync.RWMutex{},
		rooms:   make(map[string]map[string]struct{}),
		members: make(map[string]string),
	}
}

// Join moves handleID into roomID, leaving its previous room first.
// It returns the previous room, if any.
func (ms *MemStore) Join(roomID, handleID string) string {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	prev, _ := ms.leave(handleID)

	room, ok := ms.rooms[roomID]
	if !ok {
		room = make(map[string]struct{})
		ms.rooms[roomID] = room
	}
	room[handleID] = struct{}{}
	ms.members[handleID] = roomID
	return prev
}

// Leave removes handleID from whatever room it is in.
func (ms *MemStore) Leave(handleID string) (string, bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	return ms.leave(handleID)
}

// LeaveRoom removes handleID only if it is currently a member of roomID.
func (ms *MemStore) LeaveRoom(handleID, roomID string) bool {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if ms.members[handleID] != roomID {
		return false
	}
	_, ok := ms.leave(handleID)
	return ok
}

func (ms *MemStore) leave(handleID string) (string, bool) {
	roomID, ok := ms.members[handleID]
	if !ok {
		return "", false
	}
	delete(ms.members, handleID)
	if room, ok := ms.rooms[roomID]; ok {
		delete(room, handleID)
		if len(room) == 0 {
			delete(ms.rooms, roomID)
		}
	}
	return roomID, true
}

func (ms *MemStore) RoomOf(handleID string) (string, bool) {
	ms.mx.RLock()
	defer ms.mx.RUnlock()

	roomID, ok := ms.members[handleID]
	return roomID, ok
}

// RangePeers calls fn for every member of roomID except senderID.
// The sender must currently be a member of roomID.
func (ms *MemStore) RangePeers(roomID, senderID string, fn func(peerID string)) error {
	ms.mx.RLock()
	defer ms.mx.RUnlock()

	if ms.members[senderID] != roomID {
		return ErrNotAMember
	}
	for peerID := range ms.rooms[roomID] {
		if peerID != senderID {
			fn(peerID)
		}
	}
	return nil
}

func (ms *MemStore) GetRoom(roomID string) (model.RoomInfo, error) {
	ms.mx.RLock()
	defer ms.mx.RUnlock()

	room, ok := ms.rooms[roomID]
	if !ok {
		return model.RoomInfo{}, ErrRoomNotFound
	}
	return model.RoomInfo{ID: roomID, Members: len(room)}, nil
}

func (ms *MemStore) Rooms() []model.RoomInfo {
	ms.mx.RLock()
	rooms := make([]model.RoomInfo, 0, len(ms.rooms))
	for id, room := range ms.rooms {
		rooms = append(rooms, model.RoomInfo{ID: id, Members: len(room)})
	}
	ms.mx.RUnlock()

	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].ID < rooms[j].ID
	})
	return rooms
}
