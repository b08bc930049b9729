package taskengine

import "errors"

// ErrNotTerminal is returned by Retry when called on a task that hasn't
// reached a terminal status yet.
var ErrNotTerminal = errors.New("taskengine: task is not terminal")
