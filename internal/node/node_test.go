package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashSecretIsDeterministic(t *testing.T) {
	a := hashSecret("same-secret")
	b := hashSecret("same-secret")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, hashSecret("different-secret"))
}

func TestRandomSecretIsUnpredictableAndHexEncoded(t *testing.T) {
	a, err := randomSecret()
	assert.NoError(t, err)
	b, err := randomSecret()
	assert.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 32)
}

func TestRandomIDHasPrefix(t *testing.T) {
	id, err := randomID("node")
	assert.NoError(t, err)
	assert.Contains(t, id, "node-")
}

func TestStrPtrNilsEmptyString(t *testing.T) {
	assert.Nil(t, strPtr(""))
	assert.NotNil(t, strPtr("v1"))
}
