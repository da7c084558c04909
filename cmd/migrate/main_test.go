package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntArg(t *testing.T) {
	n, err := intArg([]string{"-2"}, "steps")
	require.NoError(t, err)
	assert.Equal(t, -2, n)

	_, err = intArg(nil, "force")
	assert.ErrorContains(t, err, "usage: migrate force")

	_, err = intArg([]string{"two"}, "steps")
	assert.Error(t, err)
}
