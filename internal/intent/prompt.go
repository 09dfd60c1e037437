package intent

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/loqalabs/claudette-home/internal/conversation"
	"github.com/loqalabs/claudette-home/internal/homestate"
)

const systemPrompt = `You are the command interpreter of a home voice assistant.
Read the JSON input: the user's words, the room they spoke in, the relevant
devices with their current state, and the recent conversation.
Answer with exactly one JSON object and nothing else:
{"type":"actions"|"clarify"|"inform",
 "actions":[{"kind":"device_command"|"scene","service":"<domain>.<service>","entity_ids":["<entity id>"],"params":{}}],
 "text":"<short sentence to speak>"}
Rules:
- Only use entity ids listed in "entities" and services listed in "services".
- Prefer devices in the speaker's room when the request does not name a room.
- Keep an action even if the device is already in the requested state.
- If the request is ambiguous, use "clarify" and ask one short question.
- If the user asks a question, use "inform" and answer from the listed state.`

// synonyms maps spoken words to entity domains.
var synonyms = map[string]string{
	"light": "light", "lights": "light", "lamp": "light", "lamps": "light", "dim": "light", "bright": "light", "brighter": "light",
	"shutter": "cover", "shutters": "cover", "blind": "cover", "blinds": "cover", "curtain": "cover", "curtains": "cover",
	"heating": "climate", "temperature": "climate", "thermostat": "climate", "warmer": "climate", "colder": "climate",
	"fan": "fan", "music": "media_player", "speaker": "media_player", "volume": "media_player",
	"scene": "scene", "mode": "scene", "plug": "switch", "switch": "switch",
	"home": "person", "who": "person",
}

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "please": true, "to": true, "in": true, "on": true, "off": true,
	"turn": true, "set": true, "and": true, "of": true, "my": true, "is": true, "it": true,
	"can": true, "you": true, "me": true, "up": true, "down": true, "what": true, "all": true,
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	out := fields[:0]
	for _, f := range fields {
		if !stopwords[f] {
			out = append(out, f)
		}
	}
	return out
}

type scoredEntity struct {
	entity homestate.Entity
	score  int
}

// relevant picks the entities worth showing the backend: anything matching a
// spoken token, ranked so the speaker's room comes first, capped at limit.
// With no match at all the speaker's room is used.
func relevant(snap *homestate.Snapshot, transcript, room string, limit int) []homestate.Entity {
	tokens := tokenize(transcript)
	domains := map[string]bool{}
	for _, tok := range tokens {
		if d, ok := synonyms[tok]; ok {
			domains[d] = true
		}
	}
	mentionedRoom := ""
	for _, r := range snap.Rooms() {
		words := strings.Split(r, "_")
		if containsAll(tokens, words) {
			mentionedRoom = r
			break
		}
	}

	var scored []scoredEntity
	for _, e := range snap.Entities {
		score := 0
		if domains[e.Domain] {
			score += 2
		}
		nameWords := tokenize(e.Name + " " + strings.ReplaceAll(e.ID, "_", " "))
		for _, tok := range tokens {
			for _, w := range nameWords {
				if tok == w {
					score += 3
					break
				}
			}
		}
		if score == 0 {
			continue
		}
		switch {
		case mentionedRoom != "" && e.Room == mentionedRoom:
			score += 4
		case mentionedRoom == "" && e.Room == room && room != "":
			score += 4
		}
		scored = append(scored, scoredEntity{entity: e, score: score})
	}
	if len(scored) == 0 {
		target := room
		if mentionedRoom != "" {
			target = mentionedRoom
		}
		for _, id := range snap.InRoom(target) {
			e, _ := snap.Entity(id)
			scored = append(scored, scoredEntity{entity: e, score: 1})
		}
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].entity.ID < scored[j].entity.ID
	})
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	out := make([]homestate.Entity, len(scored))
	for i, s := range scored {
		out[i] = s.entity
	}
	return out
}

func containsAll(tokens, words []string) bool {
	if len(words) == 0 {
		return false
	}
	for _, w := range words {
		found := false
		for _, t := range tokens {
			if t == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

type promptEntity struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Room       string         `json:"room,omitempty"`
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type promptTurn struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

type promptPayload struct {
	Transcript   string         `json:"transcript"`
	Room         string         `json:"room,omitempty"`
	Entities     []promptEntity `json:"entities"`
	People       []string       `json:"people_home,omitempty"`
	RecentScenes []string       `json:"recent_scenes,omitempty"`
	Services     []string       `json:"services"`
	History      []promptTurn   `json:"history,omitempty"`
}

// attributeKeys is what the backend gets to see of entity attributes.
var attributeKeys = []string{"brightness", "brightness_pct", "current_position", "current_temperature", "temperature", "percentage", "volume_level"}

func buildPrompt(req Request, entities []homestate.Entity, services []string, historyLimit int) (string, error) {
	payload := promptPayload{
		Transcript:   req.Transcript,
		Room:         req.Room,
		People:       req.Snapshot.People,
		RecentScenes: req.Snapshot.RecentScenes,
		Services:     services,
	}
	sort.Strings(payload.Services)
	for _, e := range entities {
		pe := promptEntity{ID: e.ID, Name: e.Name, Room: e.Room, State: e.State}
		for _, key := range attributeKeys {
			if v, ok := e.Attributes[key]; ok {
				if pe.Attributes == nil {
					pe.Attributes = map[string]any{}
				}
				pe.Attributes[key] = v
			}
		}
		payload.Entities = append(payload.Entities, pe)
	}
	history := req.History
	if historyLimit > 0 && len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	for _, t := range history {
		speaker := "user"
		if t.Speaker == conversation.System {
			speaker = "assistant"
		}
		payload.History = append(payload.History, promptTurn{Speaker: speaker, Text: t.Text})
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
