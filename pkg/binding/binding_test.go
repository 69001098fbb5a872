package binding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelect_MutualExclusivity(t *testing.T) {
	s := NewSelector(nil)

	_, err := s.Select(KindWorkflow, "W1")
	require.NoError(t, err)

	b, err := s.Select(KindAgent, "A1")
	require.NoError(t, err)
	assert.Equal(t, KindAgent, b.Kind)
	assert.Equal(t, "A1", b.Ref)

	// The workflow binding is gone, not merged.
	cur := s.Current()
	assert.Equal(t, KindAgent, cur.Kind)
	assert.Empty(t, cur.Tools)
}

func TestSelect_ToolsClearsOtherKinds(t *testing.T) {
	s := NewSelector(&Binding{Kind: KindAgent, Ref: "A1"})

	b, err := s.Select(KindTools, "search")
	require.NoError(t, err)
	assert.Equal(t, KindTools, b.Kind)
	assert.Equal(t, []string{"search"}, b.Tools)
	assert.Empty(t, b.Ref)
}

func TestToggleTool_Cumulative(t *testing.T) {
	s := NewSelector(nil)

	_, err := s.ToggleTool("search")
	require.NoError(t, err)
	b, err := s.ToggleTool("calculator")
	require.NoError(t, err)
	assert.Equal(t, []string{"search", "calculator"}, b.Tools)

	// Toggling again removes.
	b, err = s.ToggleTool("search")
	require.NoError(t, err)
	assert.Equal(t, []string{"calculator"}, b.Tools)

	// Removing the last tool unbinds.
	b, err = s.ToggleTool("calculator")
	require.NoError(t, err)
	assert.Nil(t, b)
	assert.Nil(t, s.Current())
}

func TestToggleTool_ReplacesNonToolBinding(t *testing.T) {
	s := NewSelector(&Binding{Kind: KindLLM, Ref: "gpt-x"})

	b, err := s.ToggleTool("search")
	require.NoError(t, err)
	assert.Equal(t, KindTools, b.Kind)
	assert.Equal(t, []string{"search"}, b.Tools)
}

func TestClearAndRequire(t *testing.T) {
	s := NewSelector(&Binding{Kind: KindWorkflow, Ref: "W1"})

	_, err := s.Require()
	require.NoError(t, err)

	s.Clear()
	assert.Nil(t, s.Current())

	_, err = s.Require()
	assert.ErrorIs(t, err, ErrNoContextBound)
}

func TestSelect_Validation(t *testing.T) {
	s := NewSelector(nil)

	_, err := s.Select("universe", "x")
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = s.Select(KindAgent, "")
	assert.Error(t, err)
}

func TestCurrent_ReturnsCopy(t *testing.T) {
	s := NewSelector(nil)
	_, err := s.ToggleTool("search")
	require.NoError(t, err)

	got := s.Current()
	got.Tools[0] = "mutated"

	assert.Equal(t, []string{"search"}, s.Current().Tools)
}
