package config

import "encoding/json"

// ChangedSections reports which top-level config sections differ between two
// configs. Used only to keep reload logs concise; comparison is structural
// (JSON), so field order and formatting don't matter.
func ChangedSections(old, new *Config) []string {
	if old == nil || new == nil {
		return []string{"all"}
	}

	var out []string
	add := func(name string, a, b any) {
		if !jsonEqual(a, b) {
			out = append(out, name)
		}
	}

	add("server", old.Server, new.Server)
	add("logging", old.Logging, new.Logging)
	add("channel", old.Channel, new.Channel)
	add("sender", old.Sender, new.Sender)
	add("bootstrap", old.Bootstrap, new.Bootstrap)
	add("storage", old.Storage, new.Storage)
	add("maintenance", old.Maintenance, new.Maintenance)
	return out
}

func jsonEqual(a, b any) bool {
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(ab) == string(bb)
}
