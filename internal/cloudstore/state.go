package cloudstore

// Status is the load status of a handle.
type Status int

const (
	// StatusLoading means no value has been resolved for the current identity.
	StatusLoading Status = iota
	// StatusReady means the value reflects the remote store, a push or a local write.
	StatusReady
	// StatusError means the remote read failed and the value is a fallback.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Source records where the current value came from.
type Source int

const (
	// SourceNone is the initial value before any load.
	SourceNone Source = iota
	// SourceRemote is a value read from the remote store.
	SourceRemote
	// SourceLocalFallback is a value read from the local cache after a failed remote read.
	SourceLocalFallback
	// SourceRealtimePush is a value delivered by the change feed.
	SourceRealtimePush
	// SourceOptimisticWrite is a value written through this handle.
	SourceOptimisticWrite
	// SourceDefault is the initial value, used when nothing usable was stored.
	SourceDefault
)

func (s Source) String() string {
	switch s {
	case SourceNone:
		return "none"
	case SourceRemote:
		return "remote"
	case SourceLocalFallback:
		return "local-fallback"
	case SourceRealtimePush:
		return "realtime-push"
	case SourceOptimisticWrite:
		return "optimistic-write"
	case SourceDefault:
		return "default"
	default:
		return "unknown"
	}
}

// State is a snapshot of a handle. Version increases by one on every
// transition.
type State[T any] struct {
	Value   T
	Status  Status
	Source  Source
	Err     error
	Version uint64
}

// The transition functions below are the only way a handle's state changes.

func (s State[T]) toLoading(initial T) State[T] {
	return State[T]{Value: initial, Status: StatusLoading, Source: SourceNone, Version: s.Version + 1}
}

func (s State[T]) toReady(v T, src Source) State[T] {
	return State[T]{Value: v, Status: StatusReady, Source: src, Version: s.Version + 1}
}

func (s State[T]) toError(v T, src Source, err error) State[T] {
	return State[T]{Value: v, Status: StatusError, Source: src, Err: err, Version: s.Version + 1}
}
