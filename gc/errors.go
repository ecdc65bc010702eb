package gc

import (
	"fmt"

	"github.com/chazu/marrow/arena"
)

// InvariantError is the panic value for fatal collector conditions. The
// concurrent collector recovers it on its worker goroutine, stops, and
// reports it from Stop and Err.
type InvariantError = arena.InvariantError

func fatalf(op string, node arena.Handle, format string, args ...any) {
	err := &InvariantError{Component: "gc", Op: op, Node: node, Msg: fmt.Sprintf(format, args...)}
	log().Critical(err.Error())
	panic(err)
}
