// Package signaler gives signal delivery a typed result instead of
// the string-based "kill -N pid; echo $?" parsing the original
// implementation relies on (spec.md §9 design note). Backends that
// fall back to native OS/SSH signaling translate their raw result
// into one of these three outcomes at the boundary.
package signaler

// Result is the outcome of attempting to deliver a signal or
// liveness probe to a remote process.
type Result int

const (
	// Delivered means the signal was accepted by the remote process
	// (or, for signum 0, the process is alive).
	Delivered Result = iota
	// NoProcess means the remote process no longer exists.
	NoProcess
	// Refused means delivery could not be attempted (e.g. connection
	// refused on the comm port, or the transport itself failed) and
	// the caller should fall back to a different delivery mechanism.
	Refused
)

func (r Result) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case NoProcess:
		return "no-process"
	case Refused:
		return "refused"
	default:
		return "unknown"
	}
}
