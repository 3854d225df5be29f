package main

import (
	"errors"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMigrator struct {
	calls   []string
	err     error
	version uint
	dirty   bool
	steps   int
	forced  int
}

func (f *fakeMigrator) Up() error {
	f.calls = append(f.calls, "up")
	return f.err
}

func (f *fakeMigrator) Down() error {
	f.calls = append(f.calls, "down")
	return f.err
}

func (f *fakeMigrator) Steps(n int) error {
	f.calls = append(f.calls, "steps")
	f.steps = n
	return f.err
}

func (f *fakeMigrator) Version() (uint, bool, error) {
	f.calls = append(f.calls, "version")
	return f.version, f.dirty, f.err
}

func (f *fakeMigrator) Force(version int) error {
	f.calls = append(f.calls, "force")
	f.forced = version
	return f.err
}

func TestRun(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name      string
		command   string
		args      []string
		err       error
		wantCall  string
		wantError bool
	}{
		{name: "up", command: "up", wantCall: "up"},
		{name: "up with nothing to do", command: "up", err: migrate.ErrNoChange, wantCall: "up"},
		{name: "up failure", command: "up", err: boom, wantCall: "up", wantError: true},
		{name: "down", command: "down", wantCall: "down"},
		{name: "down failure", command: "down", err: boom, wantCall: "down", wantError: true},
		{name: "steps", command: "steps", args: []string{"-1"}, wantCall: "steps"},
		{name: "steps without count", command: "steps", wantError: true},
		{name: "version", command: "version", wantCall: "version"},
		{name: "version on empty database", command: "version", err: migrate.ErrNilVersion, wantCall: "version"},
		{name: "force", command: "force", args: []string{"1"}, wantCall: "force"},
		{name: "force with bad version", command: "force", args: []string{"one"}, wantError: true},
		{name: "unknown", command: "sideways", wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &fakeMigrator{err: tt.err}

			err := run(m, tt.command, tt.args)
			if tt.wantError {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}

			if tt.wantCall == "" {
				assert.Empty(t, m.calls)
			} else {
				assert.Equal(t, []string{tt.wantCall}, m.calls)
			}
		})
	}
}

func TestRun_PassesNumbers(t *testing.T) {
	m := &fakeMigrator{}

	require.NoError(t, run(m, "steps", []string{"-2"}))
	require.NoError(t, run(m, "force", []string{"3"}))

	assert.Equal(t, -2, m.steps)
	assert.Equal(t, 3, m.forced)
}
