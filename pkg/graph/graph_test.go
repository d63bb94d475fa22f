package graph

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateRootAndChild(t *testing.T) {
	g := New()

	rootID, err := g.CreateRoot("coordinator", RoleCoordinator, []string{"root_agent"})
	require.NoError(t, err)
	require.Equal(t, rootID, g.RootID())

	childID, err := g.Create(rootID, "recon-1", RoleDiscovery, nil)
	require.NoError(t, err)

	child, err := g.Get(childID)
	require.NoError(t, err)
	assert.Equal(t, rootID, child.ParentID)
	assert.Equal(t, StatusPending, child.Status)

	root, err := g.Get(rootID)
	require.NoError(t, err)
	assert.Equal(t, []string{childID}, root.Children)
}

func TestCreateRejectsSecondRoot(t *testing.T) {
	g := New()
	_, err := g.CreateRoot("coordinator", RoleCoordinator, nil)
	require.NoError(t, err)

	_, err = g.CreateRoot("usurper", RoleCoordinator, nil)
	require.ErrorIs(t, err, ErrRootExists)
}

func TestCreateRejectsTooManyModules(t *testing.T) {
	g := New()
	modules := []string{"a", "b", "c", "d", "e", "f"}
	_, err := g.CreateRoot("coordinator", RoleCoordinator, modules)
	require.ErrorIs(t, err, ErrTooManyModules)
}

func TestCreateRejectsUnknownParent(t *testing.T) {
	g := New()
	_, err := g.CreateRoot("coordinator", RoleCoordinator, nil)
	require.NoError(t, err)

	_, err = g.Create("agent_deadbeef", "orphan", RoleDiscovery, nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreateRejectsInvalidRole(t *testing.T) {
	g := New()
	_, err := g.CreateRoot("coordinator", Role("pirate"), nil)
	require.ErrorIs(t, err, ErrInvalidRole)
}

func TestTerminalStatusIsSticky(t *testing.T) {
	g := New()
	id, err := g.CreateRoot("coordinator", RoleCoordinator, nil)
	require.NoError(t, err)

	require.NoError(t, g.SetStatus(id, StatusRunning))
	require.NoError(t, g.SetStatus(id, StatusCompleted))

	err = g.SetStatus(id, StatusRunning)
	require.Error(t, err)

	a, err := g.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, a.Status)
}

func TestCanTerminateGatesOnDescendants(t *testing.T) {
	g := New()
	rootID, err := g.CreateRoot("coordinator", RoleCoordinator, nil)
	require.NoError(t, err)
	c1, err := g.Create(rootID, "c1", RoleDiscovery, nil)
	require.NoError(t, err)
	c2, err := g.Create(c1, "c2", RoleValidation, nil)
	require.NoError(t, err)

	require.NoError(t, g.SetStatus(c1, StatusRunning))
	require.NoError(t, g.SetStatus(c2, StatusWaiting))

	assert.False(t, g.CanTerminate(rootID))
	assert.Equal(t, []string{c1, c2}, g.ActiveDescendants(rootID))

	require.NoError(t, g.SetStatus(c2, StatusCompleted))
	assert.False(t, g.CanTerminate(rootID))

	require.NoError(t, g.SetFailure(c1, "timed out"))
	assert.True(t, g.CanTerminate(rootID))
	assert.Empty(t, g.ActiveDescendants(rootID))
}

// Every non-root agent ends up with exactly one parent no matter how spawns
// interleave, and no id appears under two parents.
func TestGraphStaysATreeUnderConcurrentSpawns(t *testing.T) {
	g := New()
	rootID, err := g.CreateRoot("coordinator", RoleCoordinator, nil)
	require.NoError(t, err)

	const spawners = 8
	const perSpawner = 25

	var wg sync.WaitGroup
	for i := 0; i < spawners; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			parent := rootID
			for j := 0; j < perSpawner; j++ {
				id, err := g.Create(parent, fmt.Sprintf("w%d-%d", n, j), RoleDiscovery, nil)
				if err != nil {
					t.Error(err)
					return
				}
				parent = id
			}
		}(i)
	}
	wg.Wait()

	agents := g.Snapshot()
	require.Len(t, agents, 1+spawners*perSpawner)

	seenAsChild := map[string]string{}
	byID := map[string]Agent{}
	for _, a := range agents {
		byID[a.ID] = a
	}
	for _, a := range agents {
		for _, childID := range a.Children {
			prev, dup := seenAsChild[childID]
			require.Falsef(t, dup, "agent %s is child of both %s and %s", childID, prev, a.ID)
			seenAsChild[childID] = a.ID
			require.Equal(t, a.ID, byID[childID].ParentID)
		}
	}
	for _, a := range agents {
		if a.ID == rootID {
			assert.Empty(t, a.ParentID)
			continue
		}
		assert.Equal(t, a.ParentID, seenAsChild[a.ID])
	}
}

func TestRenderShowsHierarchy(t *testing.T) {
	g := New()
	rootID, err := g.CreateRoot("R", RoleCoordinator, nil)
	require.NoError(t, err)
	c1, err := g.Create(rootID, "C1", RoleDiscovery, nil)
	require.NoError(t, err)

	out := g.Render()
	assert.Contains(t, out, "R ["+rootID+"]")
	assert.Contains(t, out, "  C1 ["+c1+"]")
}

func TestIncrementIteration(t *testing.T) {
	g := New()
	id, err := g.CreateRoot("coordinator", RoleCoordinator, nil)
	require.NoError(t, err)

	for want := 1; want <= 3; want++ {
		got, err := g.IncrementIteration(id)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}
