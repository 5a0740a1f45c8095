package broker

// TenantChangedMessage 租户状态变更通知，接收方据此刷新注册表
type TenantChangedMessage struct {
	TenantID  string `json:"tenant_id"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// BroadcastEventMessage 跨节点转发的广播事件
type BroadcastEventMessage struct {
	TenantID string `json:"tenant_id"`
	Topic    string `json:"topic"`
	UserID   string `json:"user_id,omitempty"`
	Event    []byte `json:"event"`
}
