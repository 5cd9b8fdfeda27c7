package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDevices(t *testing.T) {
	devs, err := ParseDevices(nil)
	require.NoError(t, err)
	assert.Equal(t, []Device{DeviceCPU}, devs)

	devs, err = ParseDevices([]string{"0"})
	require.NoError(t, err)
	assert.Equal(t, []Device{"cpu:0"}, devs)

	for _, bad := range [][]string{{"cuda:0"}, {"mps"}, {"100000"}, {"cpu", "-1"}} {
		_, err := ParseDevices(bad)
		assert.ErrorIs(t, err, ErrDevice, "%v", bad)
	}
}
