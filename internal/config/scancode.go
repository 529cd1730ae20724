package config

// byName maps the scancode names used in config.toml's release_bind
// list to Linux evdev KEY_* codes (include/uapi/linux/input-event-
// codes.h). The wire protocol and the core state machine only ever see
// the resulting uint32, never the name, so any keycode space could
// stand in here; evdev's is the one lan-mouse's target platform
// already speaks.
var byName = map[string]uint32{
	"KeyA": 30, "KeyB": 48, "KeyC": 46, "KeyD": 32, "KeyE": 18,
	"KeyF": 33, "KeyG": 34, "KeyH": 35, "KeyI": 23, "KeyJ": 36,
	"KeyK": 37, "KeyL": 38, "KeyM": 50, "KeyN": 49, "KeyO": 24,
	"KeyP": 25, "KeyQ": 16, "KeyR": 19, "KeyS": 31, "KeyT": 20,
	"KeyU": 22, "KeyV": 47, "KeyW": 17, "KeyX": 45, "KeyY": 21,
	"KeyZ": 44,
	"Key1": 2, "Key2": 3, "Key3": 4, "Key4": 5, "Key5": 6,
	"Key6": 7, "Key7": 8, "Key8": 9, "Key9": 10, "Key0": 11,
	"LeftCtrl": 29, "LeftShift": 42, "LeftAlt": 56, "LeftMeta": 125,
	"RightCtrl": 97, "RightShift": 54, "RightAlt": 100, "RightMeta": 126,
	"Space": 57, "Tab": 15, "Escape": 1,
}

// ResolveScancodes maps every name in names to its evdev code. The
// first unrecognized name is reported by name in the returned error so
// config.Validate can point the user at the bad entry.
func ResolveScancodes(names []string) ([]uint32, error) {
	out := make([]uint32, 0, len(names))
	for _, n := range names {
		code, ok := byName[n]
		if !ok {
			return nil, &UnknownScancodeError{Name: n}
		}
		out = append(out, code)
	}
	return out, nil
}
