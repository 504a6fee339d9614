package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSetDefaultNum(t *testing.T) {
	n := 0
	SetDefaultNum(&n, 1024)
	assert.Equal(t, 1024, n)

	n = 5
	SetDefaultNum(&n, 1024)
	assert.Equal(t, 5, n)

	d := time.Duration(-1)
	SetDefaultNum(&d, time.Minute)
	assert.Equal(t, time.Minute, d)
}

func TestSetDefaultString(t *testing.T) {
	s := ""
	SetDefaultString(&s, "memory")
	assert.Equal(t, "memory", s)

	s = "redis"
	SetDefaultString(&s, "memory")
	assert.Equal(t, "redis", s)
}

func TestClampFloat(t *testing.T) {
	assert.Equal(t, 0.0, ClampFloat(-3.0, 0, 100))
	assert.Equal(t, 100.0, ClampFloat(130.0, 0, 100))
	assert.Equal(t, 42.5, ClampFloat(42.5, 0, 100))
}

func TestJoinKey(t *testing.T) {
	assert.Equal(t, "gd:k", JoinKey("gd", ":", "k"))
	assert.Equal(t, "k", JoinKey(" ", ":", "k"))
}
