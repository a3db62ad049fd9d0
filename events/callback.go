package events

import "context"

// Func is called for each event, in-process.
type Func func(ctx context.Context, ev Event) error

// Callback delivers events via a Go function call. Optional filter types
// restrict which events reach the function.
type Callback struct {
	fn    Func
	types map[Type]bool
}

// NewCallback creates a Callback sink. With no types, every event is
// delivered.
func NewCallback(fn Func, types ...Type) *Callback {
	c := &Callback{fn: fn}
	if len(types) > 0 {
		c.types = make(map[Type]bool, len(types))
		for _, t := range types {
			c.types[t] = true
		}
	}
	return c
}

func (c *Callback) Publish(ctx context.Context, ev Event) error {
	if c.fn == nil || (c.types != nil && !c.types[ev.Type]) {
		return nil
	}
	return c.fn(ctx, ev)
}

func (c *Callback) Close() error { return nil }
