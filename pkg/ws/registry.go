package ws

import "sync"

// Registry 用户到存活连接的索引
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]*Conn // userID -> connID -> conn
	byID   map[string]*Conn
}

// NewRegistry 创建连接注册表
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]map[string]*Conn),
		byID:   make(map[string]*Conn),
	}
}

// Register 登记连接，同一 ID 重复登记返回 ErrConnExists
func (r *Registry) Register(c *Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[c.id]; ok {
		return ErrConnExists
	}
	r.byID[c.id] = c

	conns, ok := r.byUser[c.userID]
	if !ok {
		conns = make(map[string]*Conn)
		r.byUser[c.userID] = conns
	}
	conns[c.id] = c
	return nil
}

// Unregister 移除连接，返回是否实际移除；用户最后一个连接移除时删除用户键
func (r *Registry) Unregister(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.byID[c.id]; !ok || cur != c {
		return false
	}
	delete(r.byID, c.id)

	if conns, ok := r.byUser[c.userID]; ok {
		delete(conns, c.id)
		if len(conns) == 0 {
			delete(r.byUser, c.userID)
		}
	}
	return true
}

// ConnectionsFor 用户的全部存活连接
func (r *Registry) ConnectionsFor(userID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byUser[userID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// HasUser 用户是否存在存活连接
func (r *Registry) HasUser(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Get 按连接 ID 查找
func (r *Registry) Get(connID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[connID]
	return c, ok
}

// Count 连接总数
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// UserCount 在线用户数
func (r *Registry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// Snapshot 当前全部连接的拷贝，遍历时不持有锁
func (r *Registry) Snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Conn, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	return out
}

// Users 在线用户列表
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byUser))
	for u := range r.byUser {
		out = append(out, u)
	}
	return out
}
