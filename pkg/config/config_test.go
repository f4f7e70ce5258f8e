package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConfig struct {
	Foo string        `yaml:"foo"`
	Bar string        `yaml:"bar"`
	Sub fakeSubConfig `yaml:"sub"`
}

type fakeSubConfig struct {
	Car int `yaml:"car"`
}

func TestLoad(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		f, err := os.CreateTemp("", "flock")
		require.NoError(t, err)

		_, err = f.WriteString(`foo: val1
bar: val2
sub:
  car: 5`)
		require.NoError(t, err)

		var conf fakeConfig
		assert.NoError(t, Load(f.Name(), &conf, false))

		assert.Equal(t, "val1", conf.Foo)
		assert.Equal(t, "val2", conf.Bar)
		assert.Equal(t, 5, conf.Sub.Car)
	})

	t.Run("expand env", func(t *testing.T) {
		f, err := os.CreateTemp("", "flock")
		require.NoError(t, err)

		_ = os.Setenv("FLOCK_VAL1", "val1")
		_ = os.Setenv("FLOCK_VAL2", "val2")

		_, err = f.WriteString(`foo: $FLOCK_VAL1
bar: ${FLOCK_VAL2}
sub:
  car: ${FLOCK_VAL3:5}`)
		require.NoError(t, err)

		var conf fakeConfig
		assert.NoError(t, Load(f.Name(), &conf, true))

		assert.Equal(t, "val1", conf.Foo)
		assert.Equal(t, "val2", conf.Bar)
		assert.Equal(t, 5, conf.Sub.Car)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		f, err := os.CreateTemp("", "flock")
		require.NoError(t, err)

		_, err = f.WriteString(`invalid yaml...`)
		require.NoError(t, err)

		var conf fakeConfig
		assert.Error(t, Load(f.Name(), &conf, false))
	})

	t.Run("not found", func(t *testing.T) {
		var conf fakeConfig
		assert.Error(t, Load("notfound", &conf, false))
	})
}
