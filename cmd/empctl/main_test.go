package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptcsim/emp/pkg/emp"
	"github.com/ptcsim/emp/pkg/encoding"
	"github.com/ptcsim/emp/pkg/types"
)

func TestDecodePayload(t *testing.T) {
	status := types.LocoStatus{Loco: "7357", Speed: 22}
	msg, err := types.NewStatusMessage("sim.l.7357", types.DefaultBOSAddr, status)
	require.NoError(t, err)
	assert.Equal(t, status, decodePayload(msg))

	payload, err := encoding.Marshal(map[string]any{"note": "hi"})
	require.NoError(t, err)
	msg, err = emp.New(42, "sim.l.1", "sim.b", payload)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"note": "hi"}, decodePayload(msg))

	msg, err = emp.New(42, "sim.l.1", "sim.b", []byte{0xff, 0x00})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"hex": "ff00"}, decodePayload(msg))
}

func TestToUint16(t *testing.T) {
	v, err := toUint16("ttl", 120)
	require.NoError(t, err)
	assert.Equal(t, uint16(120), v)

	_, err = toUint16("ttl", -1)
	assert.Error(t, err)
	_, err = toUint16("type", 70000)
	assert.Error(t, err)
}
