package experiment

// transitions lists the allowed status moves. Completed is terminal.
var transitions = map[Status][]Status{
	StatusDraft:   {StatusRunning},
	StatusRunning: {StatusPaused, StatusCompleted},
	StatusPaused:  {StatusRunning, StatusCompleted},
}

// CanTransition reports whether an experiment in status from may move to to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AcceptsParticipants reports whether new participants may be bucketed.
func (s Status) AcceptsParticipants() bool {
	return s == StatusRunning
}

// HonorsAssignments reports whether existing assignments are still served.
func (s Status) HonorsAssignments() bool {
	return s == StatusRunning || s == StatusPaused
}

// AcceptsConversions reports whether conversions may still be attributed.
// Pausing or completing never drops conversions from participants that
// were already assigned.
func (s Status) AcceptsConversions() bool {
	return s != StatusDraft
}

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusRunning, StatusPaused, StatusCompleted:
		return true
	}
	return false
}
