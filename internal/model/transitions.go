package model

// transitions lists, for each target status, the statuses it may be entered from.
// Anything not listed here is an illegal transition.
var transitions = map[Status][]Status{
	StatusHandled:   {StatusReceived},
	StatusQueued:    {StatusProcessing, StatusLocked, StatusErrored},
	StatusLocked:    {StatusQueued},
	StatusSent:      {StatusLocked},
	StatusErrored:   {StatusLocked},
	StatusFailed:    {StatusLocked, StatusSent},
	StatusCancelled: {StatusQueued, StatusProcessing},
	StatusDelivered: {StatusSent},
}

// AllowedFrom returns the statuses from which to may be entered. The result
// must not be modified.
func AllowedFrom(to Status) []Status {
	return transitions[to]
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusHandled, StatusDelivered, StatusCancelled, StatusFailed:
		return true
	}
	return false
}
