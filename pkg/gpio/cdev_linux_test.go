//go:build linux

package gpio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCdevBackendsRegistered(t *testing.T) {
	assert.True(t, Known(RaspberryPi5InterfaceName))
	assert.True(t, Known(CdevInterfaceName))
	assert.Contains(t, Backends(), MockInterfaceName)
}
