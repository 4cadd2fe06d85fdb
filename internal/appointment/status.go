package appointment

import (
	"fmt"
	"slices"
	"strings"
)

type Status string

const (
	StatusPending   Status = "pendiente"
	StatusConfirmed Status = "confirmada"
	StatusCompleted Status = "completada"
	StatusCancelled Status = "cancelada"
)

// ActiveStatuses occupy a seat in their cohort.
var ActiveStatuses = []Status{StatusPending, StatusConfirmed}

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, s)
	}
	return st, nil
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) Occupies() bool {
	return slices.Contains(ActiveStatuses, s)
}

// Actor is whoever drives a status change.
type Actor string

const (
	ActorMonitor Actor = "monitor"
	ActorStudent Actor = "estudiante"
	ActorSystem  Actor = "sistema"
)

func ParseActor(s string) (Actor, error) {
	a := Actor(strings.ToLower(strings.TrimSpace(s)))
	switch a {
	case ActorMonitor, ActorStudent, ActorSystem:
		return a, nil
	}
	return "", fmt.Errorf("%w: unknown actor %q", ErrInvalidArgument, s)
}

var transitions = map[Status]map[Status][]Actor{
	StatusPending: {
		StatusConfirmed: {ActorMonitor},
		StatusCancelled: {ActorMonitor, ActorStudent},
	},
	StatusConfirmed: {
		StatusCompleted: {ActorMonitor, ActorSystem},
		StatusCancelled: {ActorMonitor, ActorStudent},
	},
}

// CanTransition checks a single status change against the lifecycle rules.
func CanTransition(from, to Status, actor Actor) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, to)
	}
	if from.IsTerminal() {
		return fmt.Errorf("%w: appointment is already %s", ErrInvalidTransition, from)
	}
	allowed, ok := transitions[from][to]
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if !slices.Contains(allowed, actor) {
		return fmt.Errorf("%w: %s may not move an appointment from %s to %s", ErrForbidden, actor, from, to)
	}
	return nil
}
