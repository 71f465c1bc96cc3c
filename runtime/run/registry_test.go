package run

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryLifecycle(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Start(Run{ID: "r1", Kind: KindLLM, Name: "model", Tags: []string{"a"}}))
	require.Equal(t, 1, reg.Len())

	r, err := reg.Append("r1", "a")
	require.NoError(t, err)
	require.Equal(t, []any{"a"}, r.StreamedOutput)
	_, err = reg.Append("r1", "b")
	require.NoError(t, err)

	final, err := reg.Retire("r1", "ab")
	require.NoError(t, err)
	require.Equal(t, "model", final.Name)
	require.Equal(t, []any{"a", "b"}, final.StreamedOutput)
	require.Equal(t, "ab", final.FinalOutput)
	require.False(t, final.StartedAt.IsZero())
	require.Zero(t, reg.Len())
}

func TestRegistryRejectsReuse(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Start(Run{ID: "r1", Kind: KindTool}))
	require.ErrorIs(t, reg.Start(Run{ID: "r1", Kind: KindTool}), ErrRunExists)

	_, err := reg.Retire("r1", nil)
	require.NoError(t, err)
	require.ErrorIs(t, reg.Start(Run{ID: "r1", Kind: KindTool}), ErrRunExists)
}

func TestRegistryValidatesStart(t *testing.T) {
	reg := NewRegistry()
	require.Error(t, reg.Start(Run{Kind: KindChain}))
	require.Error(t, reg.Start(Run{ID: "r", Kind: "prompt"}))
	require.Zero(t, reg.Len())
}

func TestRegistryUnknownRun(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Append("ghost", "x")
	var unknown *UnknownRunError
	require.True(t, errors.As(err, &unknown))
	require.Equal(t, "ghost", unknown.RunID)
	require.Equal(t, "append", unknown.Op)

	_, err = reg.Retire("ghost", nil)
	require.ErrorAs(t, err, &unknown)
	_, err = reg.Lookup("ghost")
	require.ErrorAs(t, err, &unknown)
}

func TestRegistryRetireIsSingleShot(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Start(Run{ID: "r", Kind: KindChain}))
	_, err := reg.Retire("r", 1)
	require.NoError(t, err)
	_, err = reg.Retire("r", 2)
	var unknown *UnknownRunError
	require.ErrorAs(t, err, &unknown)
}

func TestRegistryCopies(t *testing.T) {
	reg := NewRegistry()
	tags := []string{"x"}
	meta := map[string]any{"k": "v"}
	require.NoError(t, reg.Start(Run{ID: "r", Kind: KindChain, Tags: tags, Metadata: meta}))
	tags[0] = "mutated"
	meta["k"] = "mutated"

	r, err := reg.Lookup("r")
	require.NoError(t, err)
	require.Equal(t, []string{"x"}, r.Tags)
	require.Equal(t, "v", r.Metadata["k"])

	r.Tags[0] = "again"
	again, _ := reg.Lookup("r")
	require.Equal(t, "x", again.Tags[0], "expected defensive copy")
}

func TestRegistryActiveAndAncestors(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Start(Run{ID: "root", Kind: KindChain}))
	require.NoError(t, reg.Start(Run{ID: "child", ParentID: "root", Kind: KindChain}))
	require.NoError(t, reg.Start(Run{ID: "leaf", ParentID: "child", Kind: KindTool}))

	active := reg.Active()
	require.Len(t, active, 3)
	require.Equal(t, "root", active[0].ID)
	require.Equal(t, "leaf", active[2].ID)

	require.Equal(t, []string{"root", "child"}, reg.Ancestors("leaf"))
	require.Empty(t, reg.Ancestors("root"))

	_, err := reg.Retire("root", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"root", "child"}, reg.Ancestors("leaf"))
}

func TestParseKind(t *testing.T) {
	for _, k := range Kinds {
		got, err := ParseKind(string(k))
		require.NoError(t, err)
		require.Equal(t, k, got)
	}
	_, err := ParseKind("parser")
	require.Error(t, err)
	require.True(t, KindChatModel.IsModel())
	require.False(t, KindTool.IsModel())
}
