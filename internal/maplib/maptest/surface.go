// Package maptest provides in-memory surfaces for map tests.
package maptest

import (
	"sync"

	"fleetmap/internal/maplib"
)

// Surface records every draw command it receives
type Surface struct {
	mu       sync.Mutex
	id       string
	width    int
	height   int
	bound    string
	resets   int
	commands []maplib.DrawCommand
}

func NewSurface(id string, width, height int) *Surface {
	return &Surface{id: id, width: width, height: height}
}

func (s *Surface) ID() string { return s.id }

func (s *Surface) Size() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

// Resize simulates a layout change
func (s *Surface) Resize(width, height int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.width, s.height = width, height
}

func (s *Surface) BoundMap() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

func (s *Surface) BindMap(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bound = id
}

func (s *Surface) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bound = ""
	s.resets++
}

func (s *Surface) Draw(cmd maplib.DrawCommand) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd)
}

// Resets returns how many times the surface was scrubbed
func (s *Surface) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// Count returns how many commands of op were drawn
func (s *Surface) Count(op maplib.DrawOp) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.commands {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Commands returns a copy of the recorded commands
func (s *Surface) Commands() []maplib.DrawCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]maplib.DrawCommand, len(s.commands))
	copy(out, s.commands)
	return out
}

// Clear forgets recorded commands
func (s *Surface) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = nil
}
