/*
Copyright (C) 2026 Saltline Software

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package sequence holds the signal offset templates for racing start
// sequences ("5-4-1-go" and friends).
package sequence

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidSequenceType is returned for unknown sequence names and for
// profiles whose offsets are not strictly decreasing.
var ErrInvalidSequenceType = errors.New("invalid sequence type")

// Profile maps a named sequence to its signal offsets, expressed as
// time-before-start. A zero PrepOffset or OneMinuteOffset means the
// sequence has no such signal.
type Profile struct {
	Name            string
	WarningOffset   time.Duration
	PrepOffset      time.Duration
	OneMinuteOffset time.Duration
}

// HasPrep reports whether the sequence includes a preparatory signal.
func (p Profile) HasPrep() bool { return p.PrepOffset > 0 }

// HasOneMinute reports whether the sequence includes a one-minute signal.
func (p Profile) HasOneMinute() bool { return p.OneMinuteOffset > 0 }

// Length is the total duration from warning signal to start gun.
func (p Profile) Length() time.Duration { return p.WarningOffset }

// Validate checks the offset invariants: warning positive, all present
// offsets strictly decreasing, none negative.
func (p Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: profile name required", ErrInvalidSequenceType)
	}
	if p.WarningOffset <= 0 {
		return fmt.Errorf("%w: %s: warning offset must be positive", ErrInvalidSequenceType, p.Name)
	}
	if p.PrepOffset < 0 || p.OneMinuteOffset < 0 {
		return fmt.Errorf("%w: %s: offsets must be non-negative", ErrInvalidSequenceType, p.Name)
	}
	if p.HasPrep() && p.PrepOffset >= p.WarningOffset {
		return fmt.Errorf("%w: %s: prep offset must precede warning offset", ErrInvalidSequenceType, p.Name)
	}
	if p.HasOneMinute() {
		limit := p.WarningOffset
		if p.HasPrep() {
			limit = p.PrepOffset
		}
		if p.OneMinuteOffset >= limit {
			return fmt.Errorf("%w: %s: one-minute offset must be the last signal before the gun", ErrInvalidSequenceType, p.Name)
		}
	}
	return nil
}

// Builtins returns the standard racing sequences.
func Builtins() []Profile {
	return []Profile{
		{Name: "5-4-1-go", WarningOffset: 5 * time.Minute, PrepOffset: 4 * time.Minute, OneMinuteOffset: time.Minute},
		{Name: "3-2-1-go", WarningOffset: 3 * time.Minute, PrepOffset: 2 * time.Minute, OneMinuteOffset: time.Minute},
		{Name: "5-1-go", WarningOffset: 5 * time.Minute, OneMinuteOffset: time.Minute},
	}
}

// Registry resolves sequence type names to profiles.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewRegistry creates a registry seeded with the built-in sequences.
func NewRegistry() *Registry {
	r := &Registry{profiles: make(map[string]Profile)}
	for _, p := range Builtins() {
		r.profiles[p.Name] = p
	}
	return r
}

// Get resolves a sequence type name.
func (r *Registry) Get(name string) (Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrInvalidSequenceType, name)
	}
	return p, nil
}

// Register validates and adds a profile. Custom sequences supplied at
// schedule creation go through here.
func (r *Registry) Register(p Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.Name] = p
	return nil
}

// Names returns the registered sequence names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type profileFile struct {
	Sequences []struct {
		Name             string `yaml:"name"`
		WarningMinutes   int    `yaml:"warning_minutes"`
		PrepMinutes      int    `yaml:"prep_minutes"`
		OneMinuteMinutes int    `yaml:"one_minute_minutes"`
	} `yaml:"sequences"`
}

// LoadFile registers additional club sequences from a YAML file.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read sequence file: %w", err)
	}
	var file profileFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse sequence file: %w", err)
	}
	for _, s := range file.Sequences {
		p := Profile{
			Name:            s.Name,
			WarningOffset:   time.Duration(s.WarningMinutes) * time.Minute,
			PrepOffset:      time.Duration(s.PrepMinutes) * time.Minute,
			OneMinuteOffset: time.Duration(s.OneMinuteMinutes) * time.Minute,
		}
		if err := r.Register(p); err != nil {
			return err
		}
	}
	return nil
}
