package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apperrors "github.com/wfunc/game-core/internal/errors"
	"github.com/wfunc/game-core/internal/models"
)

// advance 执行一次携带动作的常规变更
func advance(t *testing.T, m *Manager, gameID string, turn int) *models.GameState {
	t.Helper()
	updated, err := m.UpdateState(context.Background(), gameID, func(s *models.GameState) error {
		s.Phase = "active"
		s.Turn = turn
		return nil
	}, &UpdateOptions{Action: testAction(gameID, "p1")})
	require.NoError(t, err)
	return updated
}

// TestCreateCheckpoint 检查点落盘并可从历史读回
func TestCreateCheckpoint(t *testing.T) {
	m, _ := newTestManager(t, testGameConfig())
	ctx := context.Background()
	seedState(t, m, "g1")
	advance(t, m, "g1", 1)

	entry, err := m.CreateCheckpoint(ctx, "g1", []string{"before-combat"})
	require.NoError(t, err)
	assert.True(t, entry.Checkpoint)
	assert.Equal(t, 2, entry.Version)

	entries, err := m.GetStateHistory(ctx, "g1", 0)
	require.NoError(t, err)

	var checkpoint *models.StateHistoryEntry
	for _, e := range entries {
		if e.Checkpoint {
			checkpoint = e
		}
	}
	require.NotNil(t, checkpoint)
	assert.Equal(t, 2, checkpoint.Version)
	assert.Equal(t, []string{"before-combat"}, checkpoint.Tags)

	// 后续变更的前像写入不得抹掉同版本的检查点标记
	advance(t, m, "g1", 2)

	entries, err = m.GetStateHistory(ctx, "g1", 0)
	require.NoError(t, err)
	for _, e := range entries {
		if e.Version == 2 {
			assert.True(t, e.Checkpoint, "前像写入不应覆盖检查点")
		}
	}
}

// TestRestoreState 恢复历史版本是一次新的版本化变更
func TestRestoreState(t *testing.T) {
	m, _ := newTestManager(t, testGameConfig())
	ctx := context.Background()
	seedState(t, m, "g1")

	advance(t, m, "g1", 1) // 版本2
	v2, err := m.GetState(ctx, "g1")
	require.NoError(t, err)

	advance(t, m, "g1", 2) // 版本3
	advance(t, m, "g1", 3) // 版本4

	// 恢复到版本2（其快照在版本3产生时作为前像落盘）
	restored, err := m.RestoreState(ctx, "g1", 2)
	require.NoError(t, err)

	// 版本继续推进而不是回退
	assert.Equal(t, 5, restored.Metadata.Version)
	assert.Equal(t, v2.Turn, restored.Turn)
	assert.Equal(t, v2.Phase, restored.Phase)
	assert.Contains(t, restored.Metadata.Tags, "restored")
	assert.Equal(t, "state_restore", restored.Metadata.LastAction.Type)

	// 不存在的版本
	_, err = m.RestoreState(ctx, "g1", 99)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrHistoryNotFound))
}

// TestCleanupHistoryKeepsCheckpoints 清理保留全部检查点和最近的常规条目
func TestCleanupHistoryKeepsCheckpoints(t *testing.T) {
	cfg := testGameConfig()
	cfg.MaxHistoryEntries = 20
	cfg.RateLimitMax = 0 // 本测试产生大量变更
	m, _ := newTestManager(t, cfg)
	ctx := context.Background()
	seedState(t, m, "g1")

	checkpointVersions := make(map[int]bool)
	for i := 1; i <= 200; i++ {
		advance(t, m, "g1", i)
		// 在三个位置落检查点
		if i == 30 || i == 90 || i == 150 {
			entry, err := m.CreateCheckpoint(ctx, "g1", nil)
			require.NoError(t, err)
			checkpointVersions[entry.Version] = true
		}
	}
	require.Len(t, checkpointVersions, 3)

	deleted, err := m.CleanupHistory(ctx, "g1", true)
	require.NoError(t, err)
	assert.Greater(t, deleted, 0)

	entries, err := m.GetStateHistory(ctx, "g1", 0)
	require.NoError(t, err)

	ordinary := 0
	checkpoints := 0
	for _, e := range entries {
		if e.Checkpoint {
			checkpoints++
			assert.True(t, checkpointVersions[e.Version])
		} else {
			ordinary++
		}
	}

	assert.Equal(t, 3, checkpoints, "全部检查点应保留")
	assert.LessOrEqual(t, ordinary, cfg.MaxHistoryEntries, "常规条目不超过上限")
	assert.Equal(t, cfg.MaxHistoryEntries, ordinary, "应保留最近的常规条目")

	// 保留的常规条目是最近的版本
	maxVersion := 0
	for _, e := range entries {
		if e.Version > maxVersion {
			maxVersion = e.Version
		}
	}
	assert.Equal(t, 200, maxVersion)
}

// TestCleanupHistoryDropCheckpoints keepCheckpoints=false时检查点一并清理
func TestCleanupHistoryDropCheckpoints(t *testing.T) {
	cfg := testGameConfig()
	cfg.MaxHistoryEntries = 2
	m, _ := newTestManager(t, cfg)
	ctx := context.Background()
	seedState(t, m, "g1")

	for i := 1; i <= 5; i++ {
		advance(t, m, "g1", i)
	}
	_, err := m.CreateCheckpoint(ctx, "g1", nil)
	require.NoError(t, err)

	_, err = m.CleanupHistory(ctx, "g1", false)
	require.NoError(t, err)

	entries, err := m.GetStateHistory(ctx, "g1", 0)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(entries), cfg.MaxHistoryEntries)
	for _, e := range entries {
		assert.False(t, e.Checkpoint)
	}
}

// TestDeleteState 实例退役清掉状态与历史
func TestDeleteState(t *testing.T) {
	m, store := newTestManager(t, testGameConfig())
	ctx := context.Background()
	seedState(t, m, "g1")
	advance(t, m, "g1", 1)
	advance(t, m, "g1", 2)

	require.NoError(t, m.DeleteState(ctx, "g1"))

	_, err := m.GetState(ctx, "g1")
	assert.True(t, apperrors.Is(err, apperrors.ErrStateNotFound))

	keys, err := store.Keys(ctx, "game:")
	require.NoError(t, err)
	assert.Empty(t, keys)
}
