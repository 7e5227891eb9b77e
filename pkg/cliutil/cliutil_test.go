package cliutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseWalltime(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"30", 30, false},
		{"0", 0, false},
		{"1:30", 90, false},
		{"1:30:00", 90, false},
		{"1:30:30", 91, false}, // seconds round up
		{"1:00:00:00", 1440, false},
		{"2:01:30:00", 2970, false},
		{"", 0, true},
		{"abc", 0, true},
		{"1:2:3:4:5", 0, true},
		{"-5", 0, true},
		{"1::30", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseWalltime(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
