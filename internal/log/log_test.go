package log

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestSetVerboseTogglesLevel(t *testing.T) {
	defer SetVerbose(false)

	SetVerbose(true)
	assert.Equal(t, logrus.DebugLevel, L.GetLevel())

	SetVerbose(false)
	assert.Equal(t, logrus.InfoLevel, L.GetLevel())
}
