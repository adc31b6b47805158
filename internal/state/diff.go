package state

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"
	"time"

	apperrors "github.com/wfunc/game-core/internal/errors"
	"github.com/wfunc/game-core/internal/models"
)

// DiffStates 递归比较两个状态树，输出路径级变更集合
// 叶子替换、对象键增删逐路径记录；数组内容不同时整体替换
func (m *Manager) DiffStates(oldState, newState *models.GameState) (*models.StateDiff, error) {
	oldTree, err := stateToTree(oldState)
	if err != nil {
		return nil, err
	}
	newTree, err := stateToTree(newState)
	if err != nil {
		return nil, err
	}

	changes := make([]models.StateChange, 0)
	diffValue("", oldTree, newTree, &changes)

	// 受影响的顶层路径集合
	topLevel := make(map[string]bool)
	for _, c := range changes {
		topLevel[strings.SplitN(c.Path, "/", 2)[0]] = true
	}
	paths := make([]string, 0, len(topLevel))
	for p := range topLevel {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	return &models.StateDiff{
		GameID:      newState.GameID,
		FromVersion: oldState.Metadata.Version,
		ToVersion:   newState.Metadata.Version,
		Changes:     changes,
		Paths:       paths,
		CreatedAt:   time.Now(),
	}, nil
}

// ApplyDiff 把差异重放到状态的深拷贝上，返回重建后的状态
// move操作语义未定，遇到直接报错
func (m *Manager) ApplyDiff(state *models.GameState, diff *models.StateDiff) (*models.GameState, error) {
	tree, err := stateToTree(state)
	if err != nil {
		return nil, err
	}

	for _, change := range diff.Changes {
		switch change.Op {
		case models.ChangeOpAdd, models.ChangeOpReplace:
			if err := setAtPath(tree, change.Path, change.NewValue); err != nil {
				return nil, err
			}
		case models.ChangeOpRemove:
			if err := removeAtPath(tree, change.Path); err != nil {
				return nil, err
			}
		case models.ChangeOpMove:
			return nil, apperrors.Newf(apperrors.ErrNotImplemented, "diff操作move未定义语义: path=%s", change.Path)
		default:
			return nil, apperrors.Newf(apperrors.ErrInvalidParam, "未知的diff操作: %s", change.Op)
		}
	}

	return treeToState(tree)
}

// stateToTree 状态转为JSON树（map/slice/基本类型），保证diff在持久化形态上进行
func stateToTree(state *models.GameState) (map[string]interface{}, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrDataIntegrity, "状态序列化失败")
	}
	var tree map[string]interface{}
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrDataIntegrity, "状态树解析失败")
	}
	return tree, nil
}

func treeToState(tree map[string]interface{}) (*models.GameState, error) {
	raw, err := json.Marshal(tree)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrDataIntegrity, "状态树序列化失败")
	}
	var state models.GameState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrDataIntegrity, "状态重建失败")
	}
	return &state, nil
}

// diffValue 递归比较两个JSON值
func diffValue(path string, oldV, newV interface{}, changes *[]models.StateChange) {
	oldMap, oldIsMap := oldV.(map[string]interface{})
	newMap, newIsMap := newV.(map[string]interface{})

	if oldIsMap && newIsMap {
		keys := make([]string, 0, len(oldMap)+len(newMap))
		seen := make(map[string]bool)
		for k := range oldMap {
			keys = append(keys, k)
			seen[k] = true
		}
		for k := range newMap {
			if !seen[k] {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)

		for _, key := range keys {
			childPath := joinPath(path, key)
			oldChild, inOld := oldMap[key]
			newChild, inNew := newMap[key]
			switch {
			case inOld && !inNew:
				*changes = append(*changes, models.StateChange{
					Op: models.ChangeOpRemove, Path: childPath, OldValue: oldChild,
				})
			case !inOld && inNew:
				*changes = append(*changes, models.StateChange{
					Op: models.ChangeOpAdd, Path: childPath, NewValue: newChild,
				})
			default:
				diffValue(childPath, oldChild, newChild, changes)
			}
		}
		return
	}

	// 数组内容不同时整体替换，其余类型按叶子比较
	if !reflect.DeepEqual(oldV, newV) {
		*changes = append(*changes, models.StateChange{
			Op: models.ChangeOpReplace, Path: path, OldValue: oldV, NewValue: newV,
		})
	}
}

func joinPath(base, key string) string {
	if base == "" {
		return escapeSegment(key)
	}
	return base + "/" + escapeSegment(key)
}

// escapeSegment 路径段转义，键名里的~和/不能与分隔符混淆
// 与JSON Pointer一致：~写作~0，/写作~1
func escapeSegment(key string) string {
	key = strings.ReplaceAll(key, "~", "~0")
	return strings.ReplaceAll(key, "/", "~1")
}

func unescapeSegment(seg string) string {
	seg = strings.ReplaceAll(seg, "~1", "/")
	return strings.ReplaceAll(seg, "~0", "~")
}

// navigateParent 找到路径父节点，add操作允许创建缺失的中间对象
func navigateParent(tree map[string]interface{}, path string, create bool) (map[string]interface{}, string, error) {
	segments := strings.Split(path, "/")
	node := tree

	for _, raw := range segments[:len(segments)-1] {
		seg := unescapeSegment(raw)
		child, exists := node[seg]
		if !exists {
			if !create {
				return nil, "", apperrors.Newf(apperrors.ErrInvalidParam, "diff路径不存在: %s", path)
			}
			next := make(map[string]interface{})
			node[seg] = next
			node = next
			continue
		}
		childMap, ok := child.(map[string]interface{})
		if !ok {
			return nil, "", apperrors.Newf(apperrors.ErrInvalidParam, "diff路径中间节点不是对象: %s", path)
		}
		node = childMap
	}

	return node, unescapeSegment(segments[len(segments)-1]), nil
}

func setAtPath(tree map[string]interface{}, path string, value interface{}) error {
	parent, key, err := navigateParent(tree, path, true)
	if err != nil {
		return err
	}
	parent[key] = value
	return nil
}

func removeAtPath(tree map[string]interface{}, path string) error {
	parent, key, err := navigateParent(tree, path, false)
	if err != nil {
		return err
	}
	delete(parent, key)
	return nil
}
