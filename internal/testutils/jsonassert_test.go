package testutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJSONAsserterDefaults(t *testing.T) {
	ja := NewJSONAsserter(t)
	opts := ja.options

	assert.True(t, opts.IgnoreExtraKeys)
	assert.True(t, opts.NilToEmptyArray)
	assert.True(t, opts.AllowPresencePlaceholder)
	assert.False(t, opts.IgnoreArrayOrder)
}

func TestJSONAsserterDiff(t *testing.T) {
	tests := []struct {
		name     string
		opts     []Option
		actual   string
		expected string
		match    bool
	}{
		{"equal", nil, `{"a":1}`, `{"a":1}`, true},
		{"different value", nil, `{"a":1}`, `{"a":2}`, false},
		{"extra keys ignored", nil, `{"a":1,"b":2}`, `{"a":1}`, true},
		{"extra keys reported", []Option{WithIgnoreExtraKeys(false)}, `{"a":1,"b":2}`, `{"a":1}`, false},
		{"presence placeholder", nil, `{"id":"xyz","a":1}`, `{"id":"<<PRESENCE>>","a":1}`, true},
		{"presence placeholder missing key", nil, `{"a":1}`, `{"id":"<<PRESENCE>>","a":1}`, false},
		{"nil equals empty array", nil, `{"list":null}`, `{"list":[]}`, true},
		{"ignored field", []Option{WithIgnoredFields("rssi")}, `{"rssi":-40,"a":1}`, `{"rssi":-90,"a":1}`, true},
		{"root array order", []Option{WithIgnoreArrayOrder(true)}, `[{"i":1},{"i":0}]`, `[{"i":0},{"i":1}]`, true},
		{"root array order matters", nil, `[{"i":1},{"i":0}]`, `[{"i":0},{"i":1}]`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diff := NewJSONAsserter(t).WithOptions(tt.opts...).Diff(tt.actual, tt.expected)
			if tt.match {
				assert.Empty(t, diff)
			} else {
				assert.NotEmpty(t, diff)
			}
		})
	}
}

func TestJSONAsserterInvalidInput(t *testing.T) {
	diff := NewJSONAsserter(t).Diff(`{`, `{}`)
	assert.Contains(t, diff, "invalid actual JSON")
}
