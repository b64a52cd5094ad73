/*
Copyright (C) 2026 Saltline Software

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package sequence

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestBuiltinsAreValid(t *testing.T) {
	for _, p := range Builtins() {
		if err := p.Validate(); err != nil {
			t.Errorf("builtin %s invalid: %v", p.Name, err)
		}
	}
}

func TestRegistryGet(t *testing.T) {
	r := NewRegistry()

	p, err := r.Get("5-4-1-go")
	if err != nil {
		t.Fatalf("get 5-4-1-go: %v", err)
	}
	if p.WarningOffset != 5*time.Minute || p.PrepOffset != 4*time.Minute || p.OneMinuteOffset != time.Minute {
		t.Fatalf("unexpected offsets: %+v", p)
	}

	fiveOne, err := r.Get("5-1-go")
	if err != nil {
		t.Fatalf("get 5-1-go: %v", err)
	}
	if fiveOne.HasPrep() {
		t.Fatal("5-1-go should have no preparatory signal")
	}

	if _, err := r.Get("6-5-4-go"); !errors.Is(err, ErrInvalidSequenceType) {
		t.Fatalf("unknown sequence returned %v, want ErrInvalidSequenceType", err)
	}
}

func TestValidateRejectsNonDecreasingOffsets(t *testing.T) {
	cases := []Profile{
		{Name: "prep-after-warning", WarningOffset: 3 * time.Minute, PrepOffset: 4 * time.Minute, OneMinuteOffset: time.Minute},
		{Name: "one-minute-after-prep", WarningOffset: 5 * time.Minute, PrepOffset: 2 * time.Minute, OneMinuteOffset: 2 * time.Minute},
		{Name: "zero-warning", WarningOffset: 0, PrepOffset: 0, OneMinuteOffset: 0},
		{Name: "negative", WarningOffset: 5 * time.Minute, PrepOffset: -time.Minute},
	}
	for _, p := range cases {
		if err := p.Validate(); !errors.Is(err, ErrInvalidSequenceType) {
			t.Errorf("%s: Validate() = %v, want ErrInvalidSequenceType", p.Name, err)
		}
	}
}

func TestRegisterCustomProfile(t *testing.T) {
	r := NewRegistry()
	custom := Profile{Name: "10-5-1-go", WarningOffset: 10 * time.Minute, PrepOffset: 5 * time.Minute, OneMinuteOffset: time.Minute}
	if err := r.Register(custom); err != nil {
		t.Fatalf("register custom: %v", err)
	}
	got, err := r.Get("10-5-1-go")
	if err != nil {
		t.Fatalf("get custom: %v", err)
	}
	if got != custom {
		t.Fatalf("got %+v, want %+v", got, custom)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sequences.yml")
	content := `sequences:
  - name: club-6-3-1
    warning_minutes: 6
    prep_minutes: 3
    one_minute_minutes: 1
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	r := NewRegistry()
	if err := r.LoadFile(path); err != nil {
		t.Fatalf("load file: %v", err)
	}
	p, err := r.Get("club-6-3-1")
	if err != nil {
		t.Fatalf("get loaded profile: %v", err)
	}
	if p.WarningOffset != 6*time.Minute {
		t.Fatalf("warning offset = %v, want 6m", p.WarningOffset)
	}
}

func TestLoadFileRejectsInvalidProfile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sequences.yml")
	content := `sequences:
  - name: broken
    warning_minutes: 2
    prep_minutes: 4
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	r := NewRegistry()
	if err := r.LoadFile(path); !errors.Is(err, ErrInvalidSequenceType) {
		t.Fatalf("LoadFile() = %v, want ErrInvalidSequenceType", err)
	}
}
