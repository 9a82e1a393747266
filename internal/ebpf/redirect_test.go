package ebpf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected Mode
		wantErr  bool
	}{
		{"Empty is auto", "", ModeAuto, false},
		{"Auto", "auto", ModeAuto, false},
		{"Driver", "driver", ModeDriver, false},
		{"Native alias", "Native", ModeDriver, false},
		{"Generic", "generic", ModeGeneric, false},
		{"SKB alias", " skb ", ModeGeneric, false},
		{"Unknown", "offload", ModeAuto, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mode, err := ParseMode(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, mode)
		})
	}
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "auto", ModeAuto.String())
	assert.Equal(t, "driver", ModeDriver.String())
	assert.Equal(t, "generic", ModeGeneric.String())
}
