package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMinimal(t *testing.T) {
	c, err := ParseConfigBytes([]byte(`
registry:
  bind_addr: "127.0.0.1:31850"
`))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:31850", c.Registry.BindAddr)
	assert.Equal(t, 0, c.Registry.NumBgWorkers)
	assert.Equal(t, "info", c.Logging.Level)
	assert.Equal(t, 64, c.Bench.MsgSize)
	assert.Equal(t, 10000, c.Bench.Iters)
}

func TestParseFull(t *testing.T) {
	c, err := ParseConfigBytes([]byte(`
registry:
  bind_addr: "0.0.0.0:31850"
  num_bg_workers: 2
logging:
  level: debug
bench:
  msg_size: 8192
  iters: 100
`))
	require.NoError(t, err)
	assert.Equal(t, 2, c.Registry.NumBgWorkers)
	assert.Equal(t, "debug", c.Logging.Level)
	assert.Equal(t, 8192, c.Bench.MsgSize)
	assert.Equal(t, 100, c.Bench.Iters)
}

func TestParseErrors(t *testing.T) {
	_, err := ParseConfigBytes([]byte(``))
	assert.Error(t, err, "empty config")

	_, err = ParseConfigBytes([]byte(`
registry:
  bind_addr: "not an address"
`))
	assert.Error(t, err, "bad bind address")

	_, err = ParseConfigBytes([]byte(`
registry:
  bind_addr: "127.0.0.1:31850"
logging:
  level: loud
`))
	assert.Error(t, err, "bad log level")

	_, err = ParseConfigBytes([]byte(`
registry:
  bind_addr: "127.0.0.1:31850"
unknown_key: true
`))
	assert.Error(t, err, "strict unmarshal rejects unknown keys")
}
