package pipeline

// TriState is an optional boolean whose unset state means "apply the system
// default", which is distinct from an explicit false.
type TriState uint8

const (
	// Unset means no provider expressed a preference.
	Unset TriState = iota
	// True is an explicit enable.
	True
	// False is an explicit disable.
	False
)

// TriStateOf lifts a bool into an explicit TriState.
func TriStateOf(v bool) TriState {
	if v {
		return True
	}
	return False
}

// Resolve returns the explicit value, or def when unset.
func (t TriState) Resolve(def bool) bool {
	switch t {
	case True:
		return true
	case False:
		return false
	default:
		return def
	}
}

func (t TriState) String() string {
	switch t {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "unset"
	}
}
