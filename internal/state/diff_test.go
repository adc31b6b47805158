package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apperrors "github.com/wfunc/game-core/internal/errors"
	"github.com/wfunc/game-core/internal/models"
)

// TestDiffApplyRoundTrip diff后apply回放必须精确重建目标状态
func TestDiffApplyRoundTrip(t *testing.T) {
	m, _ := newTestManager(t, testGameConfig())
	ctx := context.Background()
	seedState(t, m, "g1")

	// 通过变更管线产生一对真实的前后状态
	before, err := m.GetState(ctx, "g1")
	require.NoError(t, err)

	after, err := m.UpdateState(ctx, "g1", func(s *models.GameState) error {
		s.Phase = "active"
		s.Turn = 1
		s.Data["players"] = map[string]interface{}{
			"p1": map[string]interface{}{"hp": float64(100), "gold": float64(50)},
		}
		s.Data["round"] = float64(1)
		return nil
	}, &UpdateOptions{PlayerID: "p1", Action: testAction("g1", "p1")})
	require.NoError(t, err)

	diff, err := m.DiffStates(before, after)
	require.NoError(t, err)
	assert.Equal(t, 1, diff.FromVersion)
	assert.Equal(t, 2, diff.ToVersion)
	assert.NotEmpty(t, diff.Changes)

	rebuilt, err := m.ApplyDiff(before, diff)
	require.NoError(t, err)

	// 经过JSON归一化后逐字段等价
	expectTree, err := m.CloneState(after)
	require.NoError(t, err)
	actualTree, err := m.CloneState(rebuilt)
	require.NoError(t, err)
	assert.Equal(t, expectTree, actualTree)

	// 原状态未被apply修改
	assert.Equal(t, 1, before.Metadata.Version)
	assert.Equal(t, "setup", before.Phase)
}

// TestDiffOperations 各类变更产生对应的操作
func TestDiffOperations(t *testing.T) {
	m, _ := newTestManager(t, testGameConfig())

	old := &models.GameState{
		GameID: "g1",
		Phase:  "active",
		Turn:   1,
		Data: models.JSONMap{
			"removed":  "bye",
			"replaced": float64(1),
			"nested":   map[string]interface{}{"keep": true, "change": "a"},
			"list":     []interface{}{float64(1), float64(2)},
		},
		Metadata: models.StateMetadata{Version: 1, ActionHistory: []models.GameAction{}},
	}
	next := &models.GameState{
		GameID: "g1",
		Phase:  "active",
		Turn:   1,
		Data: models.JSONMap{
			"replaced": float64(2),
			"added":    "hi",
			"nested":   map[string]interface{}{"keep": true, "change": "b"},
			"list":     []interface{}{float64(2), float64(1)},
		},
		Metadata: models.StateMetadata{Version: 2, ActionHistory: []models.GameAction{}},
	}

	diff, err := m.DiffStates(old, next)
	require.NoError(t, err)

	ops := make(map[string]models.ChangeOp)
	for _, c := range diff.Changes {
		ops[c.Path] = c.Op
	}

	assert.Equal(t, models.ChangeOpRemove, ops["data/removed"])
	assert.Equal(t, models.ChangeOpAdd, ops["data/added"])
	assert.Equal(t, models.ChangeOpReplace, ops["data/replaced"])
	// 嵌套对象逐路径比较
	assert.Equal(t, models.ChangeOpReplace, ops["data/nested/change"])
	assert.NotContains(t, ops, "data/nested/keep")
	// 数组内容不同时整体替换
	assert.Equal(t, models.ChangeOpReplace, ops["data/list"])

	// 受影响顶层路径
	assert.Contains(t, diff.Paths, "data")
	assert.Contains(t, diff.Paths, "metadata")
}

// TestDiffEscapedKeys 键名含分隔符时路径转义，回放不得拆错层级
func TestDiffEscapedKeys(t *testing.T) {
	m, _ := newTestManager(t, testGameConfig())

	old := &models.GameState{
		GameID: "g1",
		Phase:  "active",
		Turn:   1,
		Data: models.JSONMap{
			"a/b": float64(1),
			"x~y": "old",
		},
		Metadata: models.StateMetadata{Version: 1, ActionHistory: []models.GameAction{}},
	}
	next := &models.GameState{
		GameID: "g1",
		Phase:  "active",
		Turn:   1,
		Data: models.JSONMap{
			"a/b": float64(2),
			"x~y": "new",
		},
		Metadata: models.StateMetadata{Version: 2, ActionHistory: []models.GameAction{}},
	}

	diff, err := m.DiffStates(old, next)
	require.NoError(t, err)

	ops := make(map[string]models.ChangeOp)
	for _, c := range diff.Changes {
		ops[c.Path] = c.Op
	}
	assert.Equal(t, models.ChangeOpReplace, ops["data/a~1b"])
	assert.Equal(t, models.ChangeOpReplace, ops["data/x~0y"])

	rebuilt, err := m.ApplyDiff(old, diff)
	require.NoError(t, err)
	assert.Equal(t, float64(2), rebuilt.Data["a/b"])
	assert.Equal(t, "new", rebuilt.Data["x~y"])
	// 转义失效会把 a/b 拆成嵌套对象
	assert.NotContains(t, rebuilt.Data, "a")
}

// TestDiffIdentical 相同状态之间无变更
func TestDiffIdentical(t *testing.T) {
	m, _ := newTestManager(t, testGameConfig())

	state := &models.GameState{
		GameID:   "g1",
		Phase:    "active",
		Data:     models.JSONMap{"x": float64(1)},
		Metadata: models.StateMetadata{Version: 1, ActionHistory: []models.GameAction{}},
	}

	diff, err := m.DiffStates(state, state)
	require.NoError(t, err)
	assert.Empty(t, diff.Changes)
	assert.Empty(t, diff.Paths)
}

// TestApplyDiffMoveRejected move操作语义未定，直接报错
func TestApplyDiffMoveRejected(t *testing.T) {
	m, _ := newTestManager(t, testGameConfig())

	state := &models.GameState{
		GameID:   "g1",
		Phase:    "active",
		Data:     models.JSONMap{"x": float64(1)},
		Metadata: models.StateMetadata{Version: 1},
	}
	diff := &models.StateDiff{
		GameID: "g1",
		Changes: []models.StateChange{
			{Op: models.ChangeOpMove, Path: "data/x"},
		},
	}

	_, err := m.ApplyDiff(state, diff)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotImplemented))
}
