package session

import (
	"sort"
	"time"

	"ActionFlow/internal/action"
	xerrors "ActionFlow/internal/errors"
)

// Entry 描述一个正在执行的操作所对应的运行时会话。
type Entry struct {
	ActionID           string      `json:"actionId"`
	SessionID          string      `json:"sessionId"`
	ChannelID          string      `json:"channelId"`
	ServerID           string      `json:"serverId"`
	ExpectedActionType action.Type `json:"expectedActionType"`
	CreatedAt          time.Time   `json:"createdAt"`
	Deadline           time.Time   `json:"deadline,omitempty"`
}

// Expired 判断会话是否已超过截止时间。零值截止时间表示永不过期。
func (e Entry) Expired(now time.Time) bool {
	return !e.Deadline.IsZero() && !now.Before(e.Deadline)
}

// ErrSessionConflict 表示该操作已存在存活会话。
var ErrSessionConflict = xerrors.New(action.CodeSessionConflict, "action already has a live session")

// Registry 以 actionId 为键保存会话。
//
// Registry 不做加锁：它只被编排器的事件循环持有，所有写操作都在该循环中串行执行。
type Registry struct {
	entries map[string]Entry
}

// NewRegistry 创建空的会话表。
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Put 登记新会话。同一 actionId 已有存活会话时返回 ErrSessionConflict。
func (r *Registry) Put(entry Entry) error {
	if entry.ActionID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "actionId 不能为空")
	}
	if _, ok := r.entries[entry.ActionID]; ok {
		return ErrSessionConflict
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	r.entries[entry.ActionID] = entry
	return nil
}

// Get 返回 actionId 对应的会话。
func (r *Registry) Get(actionID string) (Entry, bool) {
	entry, ok := r.entries[actionID]
	return entry, ok
}

// Delete 删除会话，返回是否确实删除了条目。
func (r *Registry) Delete(actionID string) bool {
	if _, ok := r.entries[actionID]; !ok {
		return false
	}
	delete(r.entries, actionID)
	return true
}

// DeleteIf 仅在条目仍属于指定会话时删除，避免误删同一操作的其他会话。
func (r *Registry) DeleteIf(actionID, sessionID string) bool {
	entry, ok := r.entries[actionID]
	if !ok || entry.SessionID != sessionID {
		return false
	}
	delete(r.entries, actionID)
	return true
}

// Count 返回存活会话数量。
func (r *Registry) Count() int {
	return len(r.entries)
}

// List 按创建时间升序返回会话副本。
func (r *Registry) List() []Entry {
	result := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		result = append(result, entry)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ActionID < result[j].ActionID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Expired 返回所有在 now 时刻已过期的会话，不做删除。
func (r *Registry) Expired(now time.Time) []Entry {
	var expired []Entry
	for _, entry := range r.entries {
		if entry.Expired(now) {
			expired = append(expired, entry)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ActionID < expired[j].ActionID })
	return expired
}

// Stats 聚合会话表的统计信息，供健康检查与仪表盘使用。
func (r *Registry) Stats() Stats {
	stats := Stats{Total: len(r.entries), ByActionType: make(map[action.Type]int)}
	for _, entry := range r.entries {
		stats.ByActionType[entry.ExpectedActionType]++
		if stats.OldestCreatedAt.IsZero() || entry.CreatedAt.Before(stats.OldestCreatedAt) {
			stats.OldestCreatedAt = entry.CreatedAt
		}
	}
	return stats
}

// Stats 是会话表的只读统计。
type Stats struct {
	Total           int                 `json:"total"`
	ByActionType    map[action.Type]int `json:"byActionType"`
	OldestCreatedAt time.Time           `json:"oldestCreatedAt,omitempty"`
}
