package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestViperProxy(t *testing.T) {
	v := GetViper()
	v.SetDefault("test.segment_size", "2MiB")
	v.SetDefault("test.bad_size", "lots")
	v.SetDefault("test.window", "3s")

	assert.Equal(t, uint64(2<<20), v.GetBytes("test.segment_size", 1))
	assert.Equal(t, uint64(7), v.GetBytes("test.bad_size", 7))
	assert.Equal(t, uint64(9), v.GetBytes("test.missing", 9))
	assert.Equal(t, "3s", v.GetDuration("test.window").String())

	t.Setenv("SWBLOCK_TEST_FROM_ENV", "yes")
	assert.Equal(t, "yes", v.GetString("test.from_env"))
}
