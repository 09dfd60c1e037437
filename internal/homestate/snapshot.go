package homestate

import (
	"sort"
	"strings"
	"time"

	"github.com/loqalabs/claudette-home/internal/device"
)

// Entity is an entity as seen by the resolver, with its room resolved.
type Entity struct {
	ID         string
	Domain     string
	Name       string
	Room       string
	State      string
	Attributes map[string]any
}

// Snapshot is a point-in-time view of the home. It is never modified after
// publication; refresh builds a new one.
type Snapshot struct {
	Version      uint64
	FetchedAt    time.Time
	Entities     map[string]Entity
	People       []string
	RecentScenes []string
}

func (s *Snapshot) Age(now time.Time) time.Duration {
	if s == nil {
		return 0
	}
	return now.Sub(s.FetchedAt)
}

func (s *Snapshot) Entity(entityID string) (Entity, bool) {
	if s == nil {
		return Entity{}, false
	}
	e, ok := s.Entities[entityID]
	return e, ok
}

// InRoom lists entity ids in a room, sorted.
func (s *Snapshot) InRoom(room string) []string {
	if s == nil {
		return nil
	}
	var ids []string
	for id, e := range s.Entities {
		if e.Room == room {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Rooms lists known rooms, sorted.
func (s *Snapshot) Rooms() []string {
	if s == nil {
		return nil
	}
	seen := map[string]struct{}{}
	for _, e := range s.Entities {
		if e.Room != "" {
			seen[e.Room] = struct{}{}
		}
	}
	rooms := make([]string, 0, len(seen))
	for r := range seen {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)
	return rooms
}

const recentSceneLimit = 3

// build turns raw plane states into a snapshot. Rooms come from the
// configured mapping first, then from the entity id or friendly name
// starting with a known room name.
func build(states []device.Entity, rooms map[string][]string, version uint64, fetchedAt time.Time) *Snapshot {
	byEntity := map[string]string{}
	var roomNames []string
	for room, ids := range rooms {
		roomNames = append(roomNames, room)
		for _, id := range ids {
			byEntity[id] = room
		}
	}
	// Longest first so living_room_lamp matches living_room before living.
	sort.Slice(roomNames, func(i, j int) bool { return len(roomNames[i]) > len(roomNames[j]) })

	snap := &Snapshot{
		Version:   version,
		FetchedAt: fetchedAt,
		Entities:  make(map[string]Entity, len(states)),
	}
	type scene struct {
		name string
		at   time.Time
	}
	var scenes []scene
	for _, st := range states {
		e := Entity{
			ID:         st.ID,
			Domain:     st.Domain(),
			Name:       st.FriendlyName(),
			State:      st.State,
			Attributes: st.Attributes,
		}
		e.Room = byEntity[st.ID]
		if e.Room == "" {
			e.Room = guessRoom(st, roomNames)
		}
		snap.Entities[e.ID] = e

		switch e.Domain {
		case "person":
			if st.State == "home" {
				snap.People = append(snap.People, e.Name)
			}
		case "scene":
			if !st.LastChanged.IsZero() {
				scenes = append(scenes, scene{name: e.Name, at: st.LastChanged})
			}
		}
	}
	sort.Strings(snap.People)
	sort.Slice(scenes, func(i, j int) bool { return scenes[i].at.After(scenes[j].at) })
	for i := 0; i < len(scenes) && i < recentSceneLimit; i++ {
		snap.RecentScenes = append(snap.RecentScenes, scenes[i].name)
	}
	return snap
}

func guessRoom(e device.Entity, rooms []string) string {
	_, object, _ := strings.Cut(e.ID, ".")
	name := strings.ToLower(strings.ReplaceAll(e.FriendlyName(), " ", "_"))
	for _, room := range rooms {
		if strings.HasPrefix(object, room) || strings.HasPrefix(name, room) {
			return room
		}
	}
	if area, ok := e.Attributes["area"].(string); ok {
		return strings.ToLower(strings.ReplaceAll(area, " ", "_"))
	}
	return ""
}
