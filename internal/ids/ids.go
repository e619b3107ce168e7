// Package ids generates prefixed, K-sortable identifiers ("sub_01h455vb4pex5vsknk084sn02q")
// for the entities the engine persists.
package ids

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity type encoded in an ID.
type Prefix string

const (
	PrefixSubscription Prefix = "sub"
	PrefixDelivery     Prefix = "dlv"
	PrefixAttempt      Prefix = "att"
)

// New returns a fresh ID for prefix. It panics on an invalid prefix,
// which can only happen through a programming error.
func New(prefix Prefix) string {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("ids: invalid prefix %q: %v", prefix, err))
	}
	return tid.String()
}

// NewSubscription returns a new subscription ID.
func NewSubscription() string { return New(PrefixSubscription) }

// NewDelivery returns a new delivery ID.
func NewDelivery() string { return New(PrefixDelivery) }

// NewAttempt returns a new attempt ID.
func NewAttempt() string { return New(PrefixAttempt) }

// Check parses s and verifies that it carries the expected prefix.
func Check(s string, expected Prefix) error {
	if s == "" {
		return fmt.Errorf("ids: empty id")
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return fmt.Errorf("ids: parse %q: %w", s, err)
	}
	if Prefix(tid.Prefix()) != expected {
		return fmt.Errorf("ids: expected prefix %q, got %q", expected, tid.Prefix())
	}
	return nil
}
