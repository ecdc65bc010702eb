package arena

import "fmt"

// InvariantError reports a broken heap invariant: a caller contract
// violation (removing a root that was never added, releasing an absent
// edge, stepping a finished collection) or heap corruption (a dangling
// edge). These are never recoverable; collectors panic with an
// *InvariantError at the point of detection.
type InvariantError struct {
	Component string
	Op        string
	Node      Handle
	Msg       string
}

func (e *InvariantError) Error() string {
	if e.Node.IsNil() {
		return fmt.Sprintf("%s: %s: %s", e.Component, e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s %v: %s", e.Component, e.Op, e.Node, e.Msg)
}
