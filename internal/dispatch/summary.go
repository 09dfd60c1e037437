package dispatch

import (
	"strings"

	"github.com/loqalabs/claudette-home/internal/homestate"
	"github.com/loqalabs/claudette-home/internal/intent"
)

var serviceWords = map[string]string{
	"turn_on":            "on",
	"turn_off":           "off",
	"toggle":             "toggled",
	"open_cover":         "opened",
	"close_cover":        "closed",
	"stop_cover":         "stopped",
	"set_cover_position": "moved",
	"set_temperature":    "set",
	"set_hvac_mode":      "set",
	"set_percentage":     "set",
	"media_play":         "playing",
	"media_pause":        "paused",
	"volume_set":         "volume set",
}

// Describe renders an action as a short phrase, e.g. "living room light on".
func Describe(a intent.Action, snap *homestate.Snapshot) string {
	names := make([]string, 0, len(a.EntityIDs))
	for _, id := range a.EntityIDs {
		if e, ok := snap.Entity(id); ok && e.Name != "" {
			names = append(names, strings.ToLower(e.Name))
			continue
		}
		_, object, _ := strings.Cut(id, ".")
		names = append(names, strings.ReplaceAll(object, "_", " "))
	}
	target := joinWords(names)
	if a.Kind == intent.KindScene {
		return target + " scene"
	}
	word, ok := serviceWords[a.ServiceName()]
	if !ok {
		word = strings.ReplaceAll(a.ServiceName(), "_", " ")
	}
	return target + " " + word
}

// Summarize builds the single spoken confirmation for a batch, naming every
// outcome: "Done: living room light on. But living room shutter failed."
func Summarize(results []Result, snap *homestate.Snapshot) string {
	var done, failed, skipped []string
	for _, r := range results {
		switch r.Status {
		case StatusApplied:
			done = append(done, Describe(r.Action, snap))
		case StatusSkipped:
			skipped = append(skipped, Describe(r.Action, snap))
		default:
			failed = append(failed, targetName(r.Action, snap))
		}
	}
	var parts []string
	if len(done) > 0 {
		parts = append(parts, "Done: "+joinWords(done)+".")
	}
	if len(failed) > 0 {
		prefix := ""
		if len(done) > 0 {
			prefix = "But "
		}
		parts = append(parts, prefix+capitalize(joinWords(failed), prefix == "")+" failed.")
	}
	if len(skipped) > 0 {
		parts = append(parts, "I skipped "+joinWords(skipped)+" because my view of the house is out of date.")
	}
	if len(parts) == 0 {
		return "There was nothing to do."
	}
	return strings.Join(parts, " ")
}

func targetName(a intent.Action, snap *homestate.Snapshot) string {
	desc := Describe(a, snap)
	word, ok := serviceWords[a.ServiceName()]
	if ok && a.Kind != intent.KindScene {
		return strings.TrimSuffix(desc, " "+word)
	}
	return desc
}

func joinWords(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	case 2:
		return items[0] + " and " + items[1]
	default:
		return strings.Join(items[:len(items)-1], ", ") + " and " + items[len(items)-1]
	}
}

func capitalize(s string, do bool) string {
	if !do || s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
