// Package registry holds the mutable reference data read on every rule
// evaluation: verified users, known devices and the dangerous-command set.
package registry

import (
	"strings"
	"sync"

	"iotsentry/internal/model"
)

type Store struct {
	mu       sync.RWMutex
	users    map[string]model.Role
	devices  map[string]string
	commands map[string]struct{}
}

// Snapshot is a point-in-time, read-consistent copy of the registry.
// Readers own their snapshot; concurrent writers never tear it.
type Snapshot struct {
	Users    map[string]model.Role
	Devices  map[string]string
	Commands map[string]struct{}
}

func NewStore() *Store {
	return &Store{
		users:    make(map[string]model.Role),
		devices:  make(map[string]string),
		commands: make(map[string]struct{}),
	}
}

func (s *Store) UpsertUser(userID string, maxPrivilege model.Role) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return
	}
	s.mu.Lock()
	s.users[userID] = maxPrivilege
	s.mu.Unlock()
}

func (s *Store) UpsertDevice(sourceID, label string) {
	sourceID = strings.TrimSpace(sourceID)
	if sourceID == "" {
		return
	}
	s.mu.Lock()
	s.devices[sourceID] = label
	s.mu.Unlock()
}

// SetDangerousCommands replaces the full set; partial states are never
// observable.
func (s *Store) SetDangerousCommands(commands []string) {
	next := make(map[string]struct{}, len(commands))
	for _, c := range commands {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		next[c] = struct{}{}
	}
	s.mu.Lock()
	s.commands = next
	s.mu.Unlock()
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Users:    make(map[string]model.Role, len(s.users)),
		Devices:  make(map[string]string, len(s.devices)),
		Commands: make(map[string]struct{}, len(s.commands)),
	}
	for k, v := range s.users {
		snap.Users[k] = v
	}
	for k, v := range s.devices {
		snap.Devices[k] = v
	}
	for k := range s.commands {
		snap.Commands[k] = struct{}{}
	}
	return snap
}

func (s *Snapshot) UserPrivilege(userID string) (model.Role, bool) {
	role, ok := s.Users[userID]
	return role, ok
}

func (s *Snapshot) DeviceLabel(sourceID string) (string, bool) {
	label, ok := s.Devices[sourceID]
	return label, ok
}

func (s *Snapshot) IsDangerous(command string) bool {
	if command == "" {
		return false
	}
	_, ok := s.Commands[command]
	return ok
}
