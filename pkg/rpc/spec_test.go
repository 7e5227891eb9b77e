package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type widget struct {
	Name  string
	Size  int
	State string
}

var widgetFields = Fields[widget]{
	"name":  func(w *widget) any { return w.Name },
	"size":  func(w *widget) any { return w.Size },
	"state": func(w *widget) any { return w.State },
}

var widgetSetters = Setters[widget]{
	"state": func(w *widget, v any) { s, _ := v.(string); w.State = s },
	"size":  func(w *widget, v any) { n, _ := v.(float64); w.Size = int(n) },
}

func TestMatch(t *testing.T) {
	w := &widget{Name: "a", Size: 64, State: "idle"}

	tests := []struct {
		name string
		spec Spec
		want bool
	}{
		{"exact match", Spec{"name": "a"}, true},
		{"wildcard matches anything", Spec{"name": "*", "state": "*"}, true},
		{"mismatch", Spec{"name": "b"}, false},
		{"multiple fields all match", Spec{"name": "a", "state": "idle"}, true},
		{"one field mismatch fails", Spec{"name": "a", "state": "busy"}, false},
		{"unknown field never matches", Spec{"bogus": "x"}, false},
		{"empty spec matches", Spec{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.spec, w, widgetFields))
		})
	}
}

func TestMatchNumericWidening(t *testing.T) {
	w := &widget{Name: "a", Size: 64}

	// Wire specs decode numbers as float64; they must still match int
	// fields.
	assert.True(t, Match(Spec{"size": float64(64)}, w, widgetFields))
	assert.True(t, Match(Spec{"size": 64}, w, widgetFields))
	assert.False(t, Match(Spec{"size": float64(32)}, w, widgetFields))
	assert.False(t, Match(Spec{"size": "64"}, w, widgetFields))
}

func TestApply(t *testing.T) {
	w := &widget{Name: "a", Size: 64, State: "idle"}

	Apply(Spec{"state": "busy", "size": float64(128), "unknown": "dropped"}, w, widgetSetters)

	assert.Equal(t, "busy", w.State)
	assert.Equal(t, 128, w.Size)
	assert.Equal(t, "a", w.Name)
}
