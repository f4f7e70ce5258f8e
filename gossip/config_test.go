package gossip

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfig_Validate(t *testing.T) {
	t.Run("defaults valid", func(t *testing.T) {
		conf := DefaultConfig()
		assert.NoError(t, conf.Validate())
	})

	t.Run("missing bind addr", func(t *testing.T) {
		conf := DefaultConfig()
		conf.BindAddr = ""
		assert.Error(t, conf.Validate())
	})

	t.Run("missing cluster version", func(t *testing.T) {
		conf := DefaultConfig()
		conf.ClusterVersion = 0
		assert.Error(t, conf.Validate())
	})

	t.Run("missing interval", func(t *testing.T) {
		conf := DefaultConfig()
		conf.Interval = 0
		assert.Error(t, conf.Validate())
	})
}
