package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSingletonCapture(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	prev := Get()
	Set(zap.New(core).Sugar())
	t.Cleanup(func() { Set(prev) })

	Infow("registration created", "client_id", "abc")
	Debugf("nonce %s consumed", "n1")
	Errorf("exchange failed: %v", "boom")

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "registration created", entries[0].Message)
	assert.Equal(t, "nonce n1 consumed", entries[1].Message)
	assert.Equal(t, zap.ErrorLevel, entries[2].Level)
}

func TestInitializeWithOptions(t *testing.T) {
	prev := Get()
	t.Cleanup(func() { Set(prev) })

	InitializeWithOptions(true, true)
	assert.NotNil(t, Get())

	InitializeWithOptions(false, false)
	assert.NotNil(t, Get())
}
