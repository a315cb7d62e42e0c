// Package invalidation defines the collection change events received from
// the message bus and how they act on the catalog.
package invalidation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mohammed-shakir/geofilter/internal/core/model"
)

type Op string

const (
	OpEdit           Op = "edit"
	OpRemove         Op = "remove"
	OpBackendChanged Op = "backend_changed"
)

type Event struct {
	Collection string    `json:"collection"`
	Op         Op        `json:"op"`
	Version    uint64    `json:"version"`
	TS         time.Time `json:"ts"`
}

func (e Event) Validate() error {
	if strings.TrimSpace(e.Collection) == "" {
		return fmt.Errorf("%w: collection is required", model.ErrInput)
	}
	switch e.Op {
	case OpEdit, OpRemove, OpBackendChanged:
	default:
		return fmt.Errorf("%w: op must be edit|remove|backend_changed, got %q", model.ErrInput, e.Op)
	}
	if e.Version == 0 {
		return fmt.Errorf("%w: version is required", model.ErrInput)
	}
	return nil
}

// Decode parses and validates one message body.
func Decode(b []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: decode: %v", model.ErrInput, err)
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Target receives the changes. *catalog.Catalog implements it.
type Target interface {
	Edited(id string) error
	Remove(id string) error
	BackendChanged(id string) error
}

// Apply forwards ev to t. An event for a collection t does not know is
// not an error: the collection may live on another instance.
func Apply(t Target, ev Event) (applied bool, err error) {
	switch ev.Op {
	case OpEdit:
		err = t.Edited(ev.Collection)
	case OpRemove:
		err = t.Remove(ev.Collection)
	case OpBackendChanged:
		err = t.BackendChanged(ev.Collection)
	default:
		return false, fmt.Errorf("%w: unknown op %q", model.ErrInput, ev.Op)
	}
	if errors.Is(err, model.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}
