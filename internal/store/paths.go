package store

import "strings"

// Join builds a slash-separated path, skipping empty segments.
func Join(parts ...string) string {
	segs := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			segs = append(segs, p)
		}
	}
	return strings.Join(segs, "/")
}

// Split returns the segments of a path. The root path has no segments.
func Split(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// Base returns the last segment of path.
func Base(path string) string {
	segs := Split(path)
	if len(segs) == 0 {
		return ""
	}
	return segs[len(segs)-1]
}

// Related reports whether a write at one path can change the value observed
// at the other, i.e. one is an ancestor of (or equal to) the other.
func Related(a, b string) bool {
	a, b = strings.Trim(a, "/"), strings.Trim(b, "/")
	if a == "" || b == "" || a == b {
		return true
	}
	return strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}

// ValidPath rejects segments the tree cannot address.
func ValidPath(path string) bool {
	for _, seg := range Split(path) {
		if seg == "" || strings.ContainsAny(seg, ".#$[]") {
			return false
		}
	}
	return true
}

// Layout of the shared tree.

func RoomPath(roomID string) string {
	return Join("rooms", roomID)
}

func RoomStatePath(roomID string) string {
	return Join("rooms", roomID, "state")
}

func OnlinePath(roomID string) string {
	return Join("rooms", roomID, "online")
}

func PresencePath(roomID, clientID string) string {
	return Join("rooms", roomID, "online", clientID)
}

func SignalingPath(roomID string) string {
	return Join("signaling", roomID)
}

func EnvelopePath(roomID, key string) string {
	return Join("signaling", roomID, key)
}
