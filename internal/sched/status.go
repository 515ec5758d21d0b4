package sched

import "fmt"

// Status is the lifecycle state of a task.
type Status int

const (
	StatusCreated Status = iota
	StatusWaitingForActivation
	// StatusWaitingToRun is only used as a comparer bucket and is never assigned to a task.
	StatusWaitingToRun
	StatusRunning
	StatusRanToCompletion
	StatusFaulted
	StatusCanceled
)

var statusNames = map[Status]string{
	StatusCreated:              "created",
	StatusWaitingForActivation: "waiting_for_activation",
	StatusWaitingToRun:         "waiting_to_run",
	StatusRunning:              "running",
	StatusRanToCompletion:      "ran_to_completion",
	StatusFaulted:              "faulted",
	StatusCanceled:             "canceled",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusRanToCompletion || s == StatusFaulted || s == StatusCanceled
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStatus converts the textual form produced by String back into a Status.
func ParseStatus(name string) (Status, error) {
	for st, n := range statusNames {
		if n == name {
			return st, nil
		}
	}
	return 0, fmt.Errorf("sched: unknown status %q", name)
}
