package dispose

import (
	"context"
)

// ResourceBase 具名资源基类
type ResourceBase struct {
	Dispose
	name string
}

// NewResourceBase 创建资源基类并绑定父上下文
func NewResourceBase(name string, parentCtx context.Context) *ResourceBase {
	r := &ResourceBase{name: name}
	r.SetCtx(parentCtx, r.onClose)
	return r
}

func (r *ResourceBase) onClose() error {
	Debugf("%s resources cleaned up", r.name)
	return nil
}

// GetName 获取资源名称
func (r *ResourceBase) GetName() string {
	return r.name
}

// ManagerBase 管理器基类（持有一组子资源的组件）
type ManagerBase struct {
	*ResourceBase
}

// ServiceBase 服务基类（带后台任务的组件）
type ServiceBase struct {
	*ResourceBase
}

// NewManager 创建管理器基类
func NewManager(name string, parentCtx context.Context) *ManagerBase {
	return &ManagerBase{ResourceBase: NewResourceBase(name, parentCtx)}
}

// NewService 创建服务基类
func NewService(name string, parentCtx context.Context) *ServiceBase {
	return &ServiceBase{ResourceBase: NewResourceBase(name, parentCtx)}
}
