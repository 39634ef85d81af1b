// Package resource maps mutating operations onto requests and the cache keys
// they affect.
package resource

import (
	"fmt"
	"strings"
)

// Type is the closed set of mutable server resources.
type Type uint8

const (
	TypeUnknown Type = iota
	Post
	Comment
	Like
	Follow
	Tip
	Bid
	Report
	Profile
)

var typeNames = [...]string{
	TypeUnknown: "unknown",
	Post:        "post",
	Comment:     "comment",
	Like:        "like",
	Follow:      "follow",
	Tip:         "tip",
	Bid:         "bid",
	Report:      "report",
	Profile:     "profile",
}

// Types lists every valid resource type.
func Types() []Type {
	return []Type{Post, Comment, Like, Follow, Tip, Bid, Report, Profile}
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return typeNames[TypeUnknown]
}

// Valid reports whether t has a route.
func (t Type) Valid() bool {
	_, ok := routes[t]
	return ok
}

// ParseType resolves a type name.
func ParseType(s string) (Type, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for _, t := range Types() {
		if t.String() == name {
			return t, nil
		}
	}
	return TypeUnknown, fmt.Errorf("unknown resource type %q", s)
}

func (t Type) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid resource type %d", t)
	}
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(text []byte) error {
	parsed, err := ParseType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Action is the kind of mutation.
type Action uint8

const (
	ActionUnknown Action = iota
	Create
	Update
	Delete
)

func (a Action) String() string {
	switch a {
	case Create:
		return "create"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// ParseAction resolves an action name.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "create":
		return Create, nil
	case "update":
		return Update, nil
	case "delete":
		return Delete, nil
	}
	return ActionUnknown, fmt.Errorf("unknown action %q", s)
}

func (a Action) MarshalText() ([]byte, error) {
	if a == ActionUnknown || a > Delete {
		return nil, fmt.Errorf("invalid action %d", a)
	}
	return []byte(a.String()), nil
}

func (a *Action) UnmarshalText(text []byte) error {
	parsed, err := ParseAction(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
