package stream

import (
	"context"
	"sync"
	"time"
)

// Factory 为会话创建控制器
type Factory func(conversationID string) *Controller

// Manager 每个会话一个控制器，保证单写者
//
// 没有活动流的控制器在空闲超过 idleTTL 后被回收；数量达到 maxControllers 时，
// 新建控制器会先回收最久未使用的空闲控制器。活动中的控制器从不回收。
type Manager struct {
	mu          sync.Mutex
	controllers map[string]*managed
	factory     Factory

	idleTTL        time.Duration
	maxControllers int
	now            func() time.Time
}

type managed struct {
	controller *Controller
	lastUsed   time.Time
}

// ManagerOption 管理器可选配置
type ManagerOption func(*Manager)

// WithIdleTTL 空闲控制器的保留时间，0 表示不按时间回收
func WithIdleTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) { m.idleTTL = ttl }
}

// WithMaxControllers 控制器数量上限，0 表示不限制
func WithMaxControllers(n int) ManagerOption {
	return func(m *Manager) { m.maxControllers = n }
}

// WithManagerClock 替换时间源（测试用）
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager 创建控制器管理器
func NewManager(factory Factory, opts ...ManagerOption) *Manager {
	m := &Manager{
		controllers: make(map[string]*managed),
		factory:     factory,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get 返回会话的控制器，不存在时创建
func (m *Manager) Get(conversationID string) *Controller {
	var evicted []*Controller
	defer func() { closeAll(evicted) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if entry, ok := m.controllers[conversationID]; ok {
		entry.lastUsed = now
		return entry.controller
	}

	if m.maxControllers > 0 && len(m.controllers) >= m.maxControllers {
		if c := m.evictOldestLocked(); c != nil {
			evicted = append(evicted, c)
		}
	}

	c := m.factory(conversationID)
	m.controllers[conversationID] = &managed{controller: c, lastUsed: now}
	return c
}

// Lookup 返回已存在的控制器，不会新建
func (m *Manager) Lookup(conversationID string) (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.controllers[conversationID]
	if !ok {
		return nil, false
	}
	entry.lastUsed = m.now()
	return entry.controller, true
}

// Count 当前管理的控制器数量
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.controllers)
}

// Sweep 回收空闲超过 idleTTL 的控制器，返回回收数量
func (m *Manager) Sweep() int {
	if m.idleTTL <= 0 {
		return 0
	}

	m.mu.Lock()
	now := m.now()
	var evicted []*Controller
	for id, entry := range m.controllers {
		if entry.controller.Status().IsActive() {
			continue
		}
		if now.Sub(entry.lastSeen()) >= m.idleTTL {
			delete(m.controllers, id)
			evicted = append(evicted, entry.controller)
		}
	}
	m.mu.Unlock()

	closeAll(evicted)
	return len(evicted)
}

// Run 按 interval 周期执行 Sweep，直到 ctx 结束
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 || m.idleTTL <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// CancelAll 取消所有活动流（服务关闭时调用）
func (m *Manager) CancelAll() int {
	cancelled := 0
	for _, c := range m.snapshot() {
		if c.Cancel() {
			cancelled++
		}
	}
	return cancelled
}

// CloseAll 关闭并移除全部控制器，返回其中被取消的活动流数量
func (m *Manager) CloseAll() int {
	m.mu.Lock()
	controllers := make([]*Controller, 0, len(m.controllers))
	for id, entry := range m.controllers {
		controllers = append(controllers, entry.controller)
		delete(m.controllers, id)
	}
	m.mu.Unlock()

	cancelled := 0
	for _, c := range controllers {
		if c.Status().IsActive() {
			cancelled++
		}
		c.Close()
	}
	return cancelled
}

func (m *Manager) snapshot() []*Controller {
	m.mu.Lock()
	defer m.mu.Unlock()

	controllers := make([]*Controller, 0, len(m.controllers))
	for _, entry := range m.controllers {
		controllers = append(controllers, entry.controller)
	}
	return controllers
}

// evictOldestLocked 移除最久未使用的空闲控制器；全部活动时返回 nil
func (m *Manager) evictOldestLocked() *Controller {
	var (
		oldestID string
		oldest   *managed
	)
	for id, entry := range m.controllers {
		if entry.controller.Status().IsActive() {
			continue
		}
		if oldest == nil || entry.lastSeen().Before(oldest.lastSeen()) {
			oldestID, oldest = id, entry
		}
	}
	if oldest == nil {
		return nil
	}
	delete(m.controllers, oldestID)
	return oldest.controller
}

// lastSeen 取请求访问与控制器自身活动中较晚的一个
func (e *managed) lastSeen() time.Time {
	if activity := e.controller.LastActivity(); activity.After(e.lastUsed) {
		return activity
	}
	return e.lastUsed
}

func closeAll(controllers []*Controller) {
	for _, c := range controllers {
		c.Close()
	}
}
