package relay

import (
	"github.com/tretten/breathing-sub000/internal/store"
)

// RoomView is the JSON shape of GET /rooms/{roomID}: the room's shared state
// and who is online, read straight from the tree.
type RoomView struct {
	ID             string                    `json:"id"`
	Status         string                    `json:"status"`
	StartTimestamp *int64                    `json:"startTimestamp"`
	Online         map[string]map[string]any `json:"online"`
}

// viewRoom builds a RoomView. A room absent from the tree reads as idle.
func viewRoom(tree interface {
	Value(path string) store.Snapshot
}, roomID string) RoomView {
	v := RoomView{ID: roomID, Status: "idle", Online: map[string]map[string]any{}}

	var state struct {
		Status         string `json:"status"`
		StartTimestamp *int64 `json:"startTimestamp"`
	}
	if err := tree.Value(store.RoomStatePath(roomID)).Decode(&state); err == nil && state.Status != "" {
		v.Status = state.Status
		v.StartTimestamp = state.StartTimestamp
	}

	for _, child := range tree.Value(store.OnlinePath(roomID)).Children() {
		if rec, ok := child.Value().(map[string]any); ok {
			v.Online[child.Key()] = rec
		}
	}
	return v
}
