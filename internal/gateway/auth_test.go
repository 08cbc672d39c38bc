package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveRejectsMalformedKeys(t *testing.T) {
	ki := NewKeyIssuer(nil)
	ctx := context.Background()

	_, _, err := ki.Resolve(ctx, "not-the-right-prefix.secret")
	assert.Error(t, err)

	_, _, err = ki.Resolve(ctx, keyPrefix+"onlyonepart")
	assert.Error(t, err)

	_, _, err = ki.Resolve(ctx, "")
	assert.Error(t, err)
}
