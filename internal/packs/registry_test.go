// ABOUTME: Tests for the pack registry including registration and collision detection
// ABOUTME: Validates thread-safe operations, lookup and definition listing

package packs

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler(context.Context, *Call) (Outcome, error) {
	return Result(map[string]string{"status": "ok"})
}

func testTool(name string) *BuiltinTool {
	return &BuiltinTool{
		Definition: Definition{
			Name:        name,
			Description: name + " description",
			InputSchema: []byte(`{"type":"object"}`),
		},
		Handler: noopHandler,
	}
}

func testPack(id string, tools ...string) *BuiltinPack {
	p := &BuiltinPack{ID: id}
	for _, name := range tools {
		p.Tools = append(p.Tools, testTool(name))
	}
	return p
}

func TestRegistryRegisterPack(t *testing.T) {
	t.Run("registers pack successfully", func(t *testing.T) {
		r := NewRegistry(nil)
		require.NoError(t, r.RegisterPack(testPack("pack-1", "tool-a", "tool-b")))

		tool, ok := r.Lookup("tool-a")
		require.True(t, ok)
		assert.Equal(t, "tool-a", tool.Definition.Name)
		assert.Equal(t, []PackInfo{{ID: "pack-1", ToolNames: []string{"tool-a", "tool-b"}}}, r.ListPacks())
	})

	t.Run("rejects duplicate pack", func(t *testing.T) {
		r := NewRegistry(nil)
		require.NoError(t, r.RegisterPack(testPack("pack-1", "tool-a")))
		err := r.RegisterPack(testPack("pack-1", "tool-z"))
		require.ErrorIs(t, err, ErrPackAlreadyRegistered)
		_, ok := r.Lookup("tool-z")
		assert.False(t, ok)
	})
}

func TestRegistryToolCollisionDetection(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.RegisterPack(testPack("pack-1", "shared")))

	err := r.RegisterPack(testPack("pack-2", "fresh", "shared"))
	require.ErrorIs(t, err, ErrToolCollision)
	assert.Contains(t, err.Error(), "pack-1")

	// Nothing from the rejected pack is visible.
	_, ok := r.Lookup("fresh")
	assert.False(t, ok)
	assert.Len(t, r.ListPacks(), 1)

	err = r.RegisterPack(testPack("pack-3", "dup", "dup"))
	require.ErrorIs(t, err, ErrToolCollision)
}

func TestRegistryUnregisterPack(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.RegisterPack(testPack("pack-1", "tool-a")))
	r.UnregisterPack("pack-1")
	r.UnregisterPack("missing")

	_, ok := r.Lookup("tool-a")
	assert.False(t, ok)
	require.NoError(t, r.RegisterPack(testPack("pack-2", "tool-a")))
}

func TestRegistryDefinitions(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.RegisterPack(testPack("pack-1", "c", "a", "b")))

	all := r.Definitions(nil)
	names := make([]string, len(all))
	for i, d := range all {
		names[i] = d.Name
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)

	some := r.Definitions([]string{"c", "missing", "a"})
	require.Len(t, some, 2)
	assert.Equal(t, "c", some[0].Name)
	assert.Equal(t, "a", some[1].Name)

	assert.Empty(t, r.Definitions([]string{}))
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry(nil)
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("pack-%d", i)
			_ = r.RegisterPack(testPack(id, fmt.Sprintf("tool-%d", i)))
			r.Lookup(fmt.Sprintf("tool-%d", i))
			r.Definitions(nil)
			r.ListPacks()
		}(i)
	}
	wg.Wait()
	assert.Len(t, r.ListPacks(), 20)
}
