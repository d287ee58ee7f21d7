package dhcpd

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDispatcher(t *testing.T) {
	d := newDispatcher(4)

	var n atomic.Int32
	for range 100 {
		ok := d.submit(func() {
			n.Add(1)
		})
		assert.True(t, ok)
	}

	d.stop()
	assert.Equal(t, int32(100), n.Load())

	t.Run("submit_after_stop", func(t *testing.T) {
		assert.False(t, d.submit(func() {}))
	})
}
