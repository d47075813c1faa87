package ihda_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gen2brain/ihda"
)

type fakeNode struct {
	name     string
	protocol ihda.ProtocolID
	unbound  int
}

func (n *fakeNode) Name() string                { return n.name }
func (n *fakeNode) ProtocolID() ihda.ProtocolID { return n.protocol }
func (n *fakeNode) Unbind()                     { n.unbound++ }

func TestProtocolID(t *testing.T) {
	assert.Equal(t, "IHDA", ihda.ProtocolIHDA.String())
	assert.Equal(t, "0x00000001", ihda.ProtocolID(1).String())
}

func TestRegistry(t *testing.T) {
	reg := ihda.NewRegistry()

	a := &fakeNode{name: "intel-hda-000", protocol: ihda.ProtocolIHDA}
	b := &fakeNode{name: "other-000", protocol: 0x4F544852}
	c := &fakeNode{name: "intel-hda-001", protocol: ihda.ProtocolIHDA}

	ha, err := reg.Publish(a)
	require.NoError(t, err)
	hb, err := reg.Publish(b)
	require.NoError(t, err)
	hc, err := reg.Publish(c)
	require.NoError(t, err)

	assert.NotZero(t, ha)
	assert.NotEqual(t, ha, hb)
	assert.Equal(t, 3, reg.Len())

	node, ok := reg.Lookup(hb)
	require.True(t, ok)
	assert.Same(t, b, node)

	assert.Equal(t, []ihda.Handle{ha, hc}, reg.Find(ihda.ProtocolIHDA))
	assert.Empty(t, reg.Find(0x12345678))

	t.Run("DuplicateName", func(t *testing.T) {
		_, err := reg.Publish(&fakeNode{name: "intel-hda-000"})
		assert.True(t, errors.Is(err, ihda.ErrBadState))
	})

	t.Run("Nil", func(t *testing.T) {
		_, err := reg.Publish(nil)
		assert.True(t, errors.Is(err, ihda.ErrInvalidArgument))
	})

	t.Run("Remove", func(t *testing.T) {
		require.NoError(t, reg.Remove(hb))
		_, ok := reg.Lookup(hb)
		assert.False(t, ok)
		assert.True(t, errors.Is(reg.Remove(hb), ihda.ErrInvalidArgument))
	})

	t.Run("Unbind", func(t *testing.T) {
		require.NoError(t, reg.Unbind(hc))
		assert.Equal(t, 1, c.unbound)
		_, ok := reg.Lookup(hc)
		assert.False(t, ok, "unbound node should be removed")

		assert.True(t, errors.Is(reg.Unbind(hc), ihda.ErrInvalidArgument))
		assert.Equal(t, 1, c.unbound)
	})

	assert.Equal(t, 1, reg.Len())
}
