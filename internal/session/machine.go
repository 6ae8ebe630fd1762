// Package session holds the patient session state machine.
package session

import (
	"strings"

	"github.com/pavelanni/clearconsent/internal/apperr"
	"github.com/pavelanni/clearconsent/internal/model"
)

// Event drives a session from one state to the next.
type Event string

const (
	EventName   Event = "name"
	EventSubmit Event = "submit"
	EventPass   Event = "pass"
	EventFail   Event = "fail"
	EventRetry  Event = "retry"
)

type edge struct {
	from model.SessionState
	ev   Event
}

var transitions = map[edge]model.SessionState{
	{model.StateCreated, EventName}:   model.StateNamed,
	{model.StateNamed, EventSubmit}:   model.StateSubmitted,
	{model.StateSubmitted, EventPass}: model.StatePassed,
	{model.StateSubmitted, EventFail}: model.StateFailed,
	{model.StateFailed, EventRetry}:   model.StateNamed,
}

// Next returns the state reached from `from` on ev, or a state violation if
// the edge does not exist. Passed has no outgoing edges.
func Next(from model.SessionState, ev Event) (model.SessionState, error) {
	to, ok := transitions[edge{from, ev}]
	if !ok {
		return from, apperr.StateViolation("cannot %s a session that is %s", ev, from)
	}
	return to, nil
}

// CanSubmit reports whether answers may be submitted in state s. A created
// session may submit when a name arrives with the answers.
func CanSubmit(s model.SessionState) bool {
	return s == model.StateNamed || s == model.StateCreated
}

// Terminal reports whether s has no outgoing transitions.
func Terminal(s model.SessionState) bool {
	return s == model.StatePassed
}

// NormalizeName trims a patient name and rejects empty input.
func NormalizeName(name string) (string, error) {
	name = strings.Join(strings.Fields(name), " ")
	if name == "" {
		return "", apperr.Invalid("patient name is required")
	}
	return name, nil
}
