package correlation

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// ID identifies every telemetry record that belongs to one logical operation.
// The nil UUID means "no active context".
type ID = uuid.UUID

// Empty is the id reported when a flow has nothing pushed.
var Empty = uuid.Nil

var (
	// ErrEmptyStack is returned when popping a flow that has nothing pushed.
	ErrEmptyStack = errors.New("correlation: pop on empty context stack")
	// ErrScopeClosed is returned when a scope is closed more than once.
	ErrScopeClosed = errors.New("correlation: scope already closed")
	// ErrScopeOrder is returned when a scope is closed while a later push is
	// still open. The stack is left unchanged.
	ErrScopeOrder = errors.New("correlation: scope closed out of order")
	// ErrNilStack is returned by scopes of a push onto a nil *Stack.
	ErrNilStack = errors.New("correlation: push onto nil stack")
)

// frame is never mutated after creation, so forks can share chains.
type frame struct {
	id    ID
	prev  *frame
	depth int
}

// Stack holds the current frame of one logical flow.
// Goroutines spawned by a flow must get their own Stack via Fork.
//
// A nil *Stack reads as empty: Current is Empty, Depth is 0, Pop fails with
// ErrEmptyStack and a Push is not recorded; its scope fails with ErrNilStack.
type Stack struct {
	top atomic.Pointer[frame]
}

// NewStack returns an empty stack.
func NewStack() *Stack {
	return &Stack{}
}

// Current returns the top id, or Empty when nothing is pushed.
func (s *Stack) Current() ID {
	if s == nil {
		return Empty
	}
	if f := s.top.Load(); f != nil {
		return f.id
	}
	return Empty
}

// Depth returns the number of frames currently pushed.
func (s *Stack) Depth() int {
	if s == nil {
		return 0
	}
	if f := s.top.Load(); f != nil {
		return f.depth
	}
	return 0
}

// Push makes id the current correlation id until the returned scope is closed.
func (s *Stack) Push(id ID) *Scope {
	if s == nil {
		return &Scope{}
	}
	prev := s.top.Load()
	depth := 1
	if prev != nil {
		depth = prev.depth + 1
	}
	f := &frame{id: id, prev: prev, depth: depth}
	s.top.Store(f)
	return &Scope{stack: s, frame: f}
}

// Pop discards the top frame and restores the previous one.
func (s *Stack) Pop() error {
	if s == nil {
		return ErrEmptyStack
	}
	f := s.top.Load()
	if f == nil {
		return ErrEmptyStack
	}
	s.top.Store(f.prev)
	return nil
}

// Fork returns a new stack starting from a snapshot of this one.
func (s *Stack) Fork() *Stack {
	child := &Stack{}
	if s != nil {
		child.top.Store(s.top.Load())
	}
	return child
}

// Scope undoes one Push. Close it on every exit path, usually with defer.
type Scope struct {
	stack  *Stack
	frame  *frame
	closed atomic.Bool
}

// Close pops the frame pushed when the scope was created. That frame must be
// the top of the stack; otherwise ErrScopeOrder is returned and the scope
// stays open.
func (sc *Scope) Close() error {
	if sc.stack == nil {
		return ErrNilStack
	}
	if sc.closed.Load() {
		return ErrScopeClosed
	}
	if !sc.stack.top.CompareAndSwap(sc.frame, sc.frame.prev) {
		return fmt.Errorf("%w: scope at depth %d, stack at depth %d",
			ErrScopeOrder, sc.frame.depth, sc.stack.Depth())
	}
	sc.closed.Store(true)
	return nil
}
