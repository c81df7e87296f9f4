package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// DeviceState is the last known state of one blind, kept across restarts
type DeviceState struct {
	ID           string    `yaml:"id"`
	Address      string    `yaml:"address,omitempty"`
	Name         string    `yaml:"name,omitempty"`
	LastPosition int       `yaml:"last_position"`
	LastBattery  int       `yaml:"last_battery"`
	UpdatedAt    time.Time `yaml:"updated_at"`
}

type stateFile struct {
	Devices map[string]DeviceState `yaml:"devices"`
}

// StateStore is a YAML key-value store of DeviceState keyed by device id
type StateStore struct {
	path string

	mu      sync.Mutex
	devices map[string]DeviceState
}

// LoadState reads path; a missing file is an empty store
func LoadState(path string) (*StateStore, error) {
	s := &StateStore{path: path, devices: make(map[string]DeviceState)}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state %s: %w", path, err)
	}

	var f stateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse state %s: %w", path, err)
	}
	for id, st := range f.Devices {
		if st.ID == "" {
			st.ID = id
		}
		s.devices[id] = st
	}
	return s, nil
}

func (s *StateStore) Get(id string) (DeviceState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.devices[id]
	return st, ok
}

func (s *StateStore) Put(st DeviceState) {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[st.ID] = st
}

// All returns every stored state ordered by id
func (s *StateStore) All() []DeviceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeviceState, 0, len(s.devices))
	for _, st := range s.devices {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *StateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.devices)
}

// Save writes the store; without a path it is a no-op
func (s *StateStore) Save() error {
	if s.path == "" {
		return nil
	}

	s.mu.Lock()
	f := stateFile{Devices: make(map[string]DeviceState, len(s.devices))}
	for id, st := range s.devices {
		f.Devices[id] = st
	}
	s.mu.Unlock()

	data, err := yaml.Marshal(&f)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, data)
}
