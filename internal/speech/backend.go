package speech

// Backend is the synthesis engine currently serving the pipeline.
type Backend int

const (
	// None means no engine is usable; the pipeline is not running.
	None Backend = iota
	// Primary is the network engine whose audio goes through the playback
	// queue.
	Primary
	// Fallback is the local engine that synthesizes and plays inline.
	Fallback
)

func (b Backend) String() string {
	switch b {
	case None:
		return "none"
	case Primary:
		return "primary"
	case Fallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// Evaluate is the single backend transition rule. The primary engine is
// selected whenever it is reachable and audio output works; losing it while
// it is active moves to the fallback; otherwise the current backend stays.
func Evaluate(current Backend, primaryHealthy, audioOK bool) Backend {
	switch {
	case primaryHealthy && audioOK:
		return Primary
	case current == Primary:
		return Fallback
	default:
		return current
	}
}
