package ws

import (
	"strings"
	"sync"
	"unicode"
)

const maxTopicLength = 128

// TopicIndex 主题到连接的多对多索引
type TopicIndex struct {
	mu     sync.RWMutex
	topics map[string]map[string]*Conn // topic -> connID -> conn
}

// NewTopicIndex 创建主题索引
func NewTopicIndex() *TopicIndex {
	return &TopicIndex{topics: make(map[string]map[string]*Conn)}
}

// ValidateTopic 主题非空、不超过 128 字符且不含空白
func ValidateTopic(topic string) error {
	if topic == "" || len(topic) > maxTopicLength {
		return ErrInvalidTopic.WithMessagef("invalid topic %q", topic)
	}
	if strings.IndexFunc(topic, unicode.IsSpace) >= 0 {
		return ErrInvalidTopic.WithMessagef("topic %q contains whitespace", topic)
	}
	return nil
}

// Join 加入主题，重复加入无副作用
func (t *TopicIndex) Join(c *Conn, topic string) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	if c.IsClosed() {
		return ErrConnClosed
	}

	t.mu.Lock()
	members, ok := t.topics[topic]
	if !ok {
		members = make(map[string]*Conn)
		t.topics[topic] = members
	}
	members[c.id] = c
	t.mu.Unlock()

	c.addTopic(topic)

	// 与 Close 并发时释放可能已先执行
	if c.IsClosed() {
		t.Leave(c, topic)
		return ErrConnClosed
	}
	return nil
}

// Leave 离开主题，空主题随之删除
func (t *TopicIndex) Leave(c *Conn, topic string) {
	t.mu.Lock()
	if members, ok := t.topics[topic]; ok {
		delete(members, c.id)
		if len(members) == 0 {
			delete(t.topics, topic)
		}
	}
	t.mu.Unlock()

	c.removeTopic(topic)
}

// LeaveAll 移除连接的全部主题
func (t *TopicIndex) LeaveAll(c *Conn) {
	for _, topic := range c.Topics() {
		t.Leave(c, topic)
	}
}

// Members 主题当前成员
func (t *TopicIndex) Members(topic string) []*Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()

	members := t.topics[topic]
	out := make([]*Conn, 0, len(members))
	for _, c := range members {
		out = append(out, c)
	}
	return out
}

// Count 主题数量
func (t *TopicIndex) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.topics)
}

// MemberCount 主题成员数
func (t *TopicIndex) MemberCount(topic string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.topics[topic])
}

// JobTopic job:<id>
func JobTopic(jobID string) string { return "job:" + jobID }

// TaskTopic task:<id>
func TaskTopic(taskID string) string { return "task:" + taskID }

// UserTopic user:<id>
func UserTopic(userID string) string { return "user:" + userID }
