package resolver

import (
	"context"
	"testing"

	"tenantgate/internal/tenant"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sharedDSN = "postgres://app@db/tenants"

func descriptor(t *testing.T, rec tenant.Record) tenant.Descriptor {
	t.Helper()
	d, err := rec.Descriptor(sharedDSN)
	require.NoError(t, err)
	return d
}

func newTestDirectory(t *testing.T) *tenant.Registry {
	t.Helper()
	src := tenant.NewMemorySource(
		descriptor(t, tenant.Record{ID: "7", Name: "Camara 7", DBSchema: "camara_7", Status: "ATIVO", Active: true, StorageProvisioned: true}),
		descriptor(t, tenant.Record{ID: "8", Name: "Camara 8", DBSchema: "camara_8", Status: "CRIANDO", Active: true}),
		descriptor(t, tenant.Record{ID: "9", Name: "Camara 9", DBSchema: "camara_9", Status: "ATIVO", Active: false, StorageProvisioned: true}),
		descriptor(t, tenant.Record{ID: "10", Name: "Camara 10", DBSchema: "camara_10", Status: "ATIVO", Active: true}),
		descriptor(t, tenant.Record{ID: "11", Name: "Camara 11", DBSchema: "camara_11", Status: "ATIVO", Active: true, StorageProvisioned: true, MaintenanceMode: true}),
	)
	reg := tenant.NewRegistry(context.Background(), src, tenant.Config{}, nil)
	t.Cleanup(func() { reg.Close() })
	require.NoError(t, reg.Refresh(context.Background()))
	return reg
}

func TestResolve_NoIdentity(t *testing.T) {
	r := New(newTestDirectory(t))
	res := r.Resolve(context.Background(), nil)
	assert.Equal(t, Unresolved, res.Outcome)
	assert.Nil(t, res.Context)
}

func TestResolve_NoTenantSelected(t *testing.T) {
	r := New(newTestDirectory(t))
	res := r.Resolve(context.Background(), &Identity{UserID: "u1"})
	assert.Equal(t, Unresolved, res.Outcome)
}

func TestResolve_ReadyTenant(t *testing.T) {
	r := New(newTestDirectory(t))
	res := r.Resolve(context.Background(), &Identity{UserID: "u1", DisplayName: "Ana", Role: "OPERADOR", ClaimedTenantID: "7"})

	require.Equal(t, Resolved, res.Outcome)
	require.NotNil(t, res.Context)
	assert.Equal(t, "7", res.Context.TenantID)
	assert.Equal(t, "camara_7", res.Context.IsolationKey)
	assert.Equal(t, "camara_7", res.Context.Target.Schema)
	assert.Equal(t, UserSummary{ID: "u1", DisplayName: "Ana", Role: "OPERADOR"}, res.Context.User)
}

func TestResolve_DefaultTenant(t *testing.T) {
	r := New(newTestDirectory(t))

	res := r.Resolve(context.Background(), &Identity{UserID: "u1", DefaultTenantID: "7"})
	require.Equal(t, Resolved, res.Outcome)
	assert.Equal(t, "7", res.Context.TenantID)

	// an explicit claim wins over the default
	res = r.Resolve(context.Background(), &Identity{UserID: "u1", ClaimedTenantID: "8", DefaultTenantID: "7"})
	assert.Equal(t, NotReady, res.Outcome)
	assert.Equal(t, "8", res.TenantID)
}

func TestResolve_NotReadyReasons(t *testing.T) {
	r := New(newTestDirectory(t))

	tests := []struct {
		tenantID string
		reason   string
	}{
		{"8", "status:PROVISIONING"},
		{"9", "inactive"},
		{"10", "storage_not_provisioned"},
		{"404", ReasonNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.tenantID, func(t *testing.T) {
			res := r.Resolve(context.Background(), &Identity{UserID: "u1", ClaimedTenantID: tt.tenantID})
			assert.Equal(t, NotReady, res.Outcome)
			assert.Equal(t, tt.reason, res.Reason)
			assert.Nil(t, res.Context)
		})
	}
}

func TestResolve_MaintenanceFlagCarried(t *testing.T) {
	r := New(newTestDirectory(t))
	res := r.Resolve(context.Background(), &Identity{UserID: "u1", ClaimedTenantID: "11"})
	require.Equal(t, Resolved, res.Outcome)
	assert.True(t, res.Context.MaintenanceMode)
}

func TestResolve_UnknownTenantDoesNotReload(t *testing.T) {
	src := tenant.NewMemorySource(
		descriptor(t, tenant.Record{ID: "7", Name: "Camara 7", DBSchema: "camara_7", Status: "ATIVO", Active: true, StorageProvisioned: true}),
	)
	reg := tenant.NewRegistry(context.Background(), src, tenant.Config{}, nil)
	t.Cleanup(func() { reg.Close() })
	require.NoError(t, reg.Refresh(context.Background()))
	loads := src.Loads()

	r := New(reg)
	for i := 0; i < 20; i++ {
		res := r.Resolve(context.Background(), &Identity{UserID: "u1", ClaimedTenantID: "12"})
		assert.Equal(t, NotReady, res.Outcome)
		assert.Equal(t, ReasonNotFound, res.Reason)
	}
	assert.Equal(t, loads, src.Loads())

	// 后台刷新后可见
	src.Put(descriptor(t, tenant.Record{ID: "12", Name: "Camara 12", DBSchema: "camara_12", Status: "ATIVO", Active: true, StorageProvisioned: true}))
	require.NoError(t, reg.Refresh(context.Background()))
	res := r.Resolve(context.Background(), &Identity{UserID: "u1", ClaimedTenantID: "12"})
	assert.Equal(t, Resolved, res.Outcome)
}
