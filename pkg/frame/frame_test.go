package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPCMFrameNumFrames(t *testing.T) {
	tests := []struct {
		name        string
		length      int
		numChannels int
		want        int
	}{
		{"stereo", 8, 2, 4},
		{"surround", 16, NumSurroundChannels, 2},
		{"partial frame dropped", 9, 2, 4},
		{"empty", 0, 2, 0},
		{"no channels", 8, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, make(PCMFrame, tt.length).NumFrames(tt.numChannels))
		})
	}
}

func TestPCMFrameZero(t *testing.T) {
	f := PCMFrame{0.5, -1, 0.25}
	f.Zero()
	assert.Equal(t, PCMFrame{0, 0, 0}, f)
}
