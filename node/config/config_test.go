package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfig_Validate(t *testing.T) {
	t.Run("defaults valid", func(t *testing.T) {
		conf := Default()
		assert.NoError(t, conf.Validate())
	})

	t.Run("missing admin bind addr", func(t *testing.T) {
		conf := Default()
		conf.Admin.BindAddr = ""
		assert.Error(t, conf.Validate())
	})

	t.Run("invalid gossip", func(t *testing.T) {
		conf := Default()
		conf.Gossip.BindAddr = ""
		assert.Error(t, conf.Validate())
	})

	t.Run("invalid log level", func(t *testing.T) {
		conf := Default()
		conf.Log.Level = "verbose"
		assert.Error(t, conf.Validate())
	})
}
