package room

import (
	"encoding/json"
	"html"
	"slices"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/npezzotti/message-lounge/internal/types"
)

var strict = bluemonday.StrictPolicy()

// sanitizeName strips markup from a name received from another client.
func sanitizeName(s string) string {
	return strings.TrimSpace(html.UnescapeString(strict.Sanitize(s)))
}

// narrowPresence converts the raw snapshot into PresenceState. Records that
// are not objects or carry no usable display name are dropped, as are slots
// left empty.
func narrowPresence(raw map[string][]json.RawMessage) types.PresenceState {
	state := make(types.PresenceState, len(raw))
	for key, metas := range raw {
		for _, m := range metas {
			var meta types.PresenceMeta
			if err := json.Unmarshal(m, &meta); err != nil {
				continue
			}
			meta.DisplayName = sanitizeName(meta.DisplayName)
			if meta.DisplayName == "" {
				continue
			}
			state[key] = append(state[key], meta)
		}
	}
	return state
}

// onlineUsers flattens state into its distinct display names, sorted.
func onlineUsers(state types.PresenceState) []string {
	names := []string{}
	for _, metas := range state {
		for _, m := range metas {
			names = append(names, m.DisplayName)
		}
	}
	slices.Sort(names)
	return slices.Compact(names)
}
