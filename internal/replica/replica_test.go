package replica

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestID_HasHostnameAndUniqueSuffix(t *testing.T) {
	a := ID()
	b := ID()

	assert.NotEqual(t, a, b, "successive calls must not collide")
	assert.Contains(t, a, "-")
	parts := strings.Split(a, "-")
	assert.Len(t, parts[len(parts)-1], 8, "suffix should be an 8-character uuid prefix")
}
