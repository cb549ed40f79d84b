package capability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/measurementplane/message"
)

type echo struct{}

func (echo) Descriptor() Descriptor {
	return Descriptor{Role: RoleMeasure, Label: "echo", Name: "echo"}
}

func (echo) Execute(_ context.Context, params map[string]any) (any, error) {
	return params, nil
}

func TestIsEmpty(t *testing.T) {
	var nilMap map[string]any
	var nilPtr *int

	empty := []any{nil, "", map[string]any{}, []any{}, nilMap, nilPtr, [0]int{}}
	for _, v := range empty {
		assert.True(t, IsEmpty(v), "%#v", v)
	}

	full := []any{"x", 0, false, map[string]any{"a": 1}, []int{1}, 3.5}
	for _, v := range full {
		assert.False(t, IsEmpty(v), "%#v", v)
	}
}

func TestAdvertisement(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.Local)
	a := Advertisement("/qnet", echo{}.Descriptor(), now)
	b := Advertisement("/qnet", echo{}.Descriptor(), now.Add(time.Minute))

	assert.Equal(t, message.KindCapability, a.Kind)
	assert.Equal(t, RoleMeasure, a.Role)
	assert.Equal(t, "2026-05-01 10:00:00.00", a.Timestamp)
	assert.NotEqual(t, a.Nonce, b.Nonce)

	idA, err := message.CapabilityID(a)
	require.NoError(t, err)
	idB, err := message.CapabilityID(b)
	require.NoError(t, err)
	assert.Equal(t, idA, idB)
	assert.Equal(t, idA, IDOf("/qnet", echo{}))
}

func TestStatic(t *testing.T) {
	c, err := Static(echo{})(Env{})
	require.NoError(t, err)
	out, err := c.Execute(context.Background(), map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1}, out)
}
