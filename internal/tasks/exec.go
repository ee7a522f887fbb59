package tasks

import (
	"context"
	"fmt"
)

// Run executes a handler, converting a panic into an ordinary error so
// the caller's loop survives and the task enters the normal retry or
// dead-letter path.
func Run(ctx context.Context, h Handler, payload []byte) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return h(ctx, payload)
}
