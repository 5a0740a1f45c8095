package tenant

import (
	"testing"

	coreerrors "tenantgate/internal/core/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sharedDSN = "postgres://app@db/tenants"

func TestDeriveSchema(t *testing.T) {
	tests := []struct {
		name     string
		dbSchema string
		slug     string
		want     string
		wantErr  bool
	}{
		{"explicit schema", "camara_7", "camara-sete", "camara_7", false},
		{"slug fallback", "", "camara-sete", "camara_sete", false},
		{"uppercase normalized", "Camara_7", "", "camara_7", false},
		{"public fallback", "", "", "public", false},
		{"leading digit", "", "7-camara", "", true},
		{"injection", `x"; DROP SCHEMA public; --`, "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DeriveSchema(tt.dbSchema, tt.slug)
			if tt.wantErr {
				assert.True(t, coreerrors.IsCode(err, coreerrors.CodeInvalidParam))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseStatus(t *testing.T) {
	tests := map[string]Status{
		"ATIVO":        StatusReady,
		"ativo":        StatusReady,
		"PENDENTE":     StatusPending,
		"CRIANDO":      StatusProvisioning,
		"SUSPENSO":     StatusSuspended,
		"ERRO":         StatusError,
		"READY":        StatusReady,
		"PROVISIONING": StatusProvisioning,
	}
	for in, want := range tests {
		got, err := ParseStatus(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseStatus("ARCHIVED")
	assert.Error(t, err)

	assert.Equal(t, "ATIVO", StatusReady.Stored())
	assert.Equal(t, "CRIANDO", StatusProvisioning.Stored())
}

func TestNotReadyReason(t *testing.T) {
	base := Descriptor{Status: StatusReady, StorageProvisioned: true, Active: true}
	assert.True(t, base.Ready())
	assert.Empty(t, base.NotReadyReason())

	inactive := base
	inactive.Active = false
	assert.Equal(t, "inactive", inactive.NotReadyReason())

	provisioning := base
	provisioning.Status = StatusProvisioning
	assert.Equal(t, "status:PROVISIONING", provisioning.NotReadyReason())

	noStorage := base
	noStorage.StorageProvisioned = false
	assert.Equal(t, "storage_not_provisioned", noStorage.NotReadyReason())
	assert.False(t, noStorage.Ready())
}

func TestRecordDescriptor_IsolationKey(t *testing.T) {
	shared, err := Record{ID: "7", Slug: "camara-7", DBSchema: "camara_7", Status: "ATIVO", Active: true}.Descriptor(sharedDSN)
	require.NoError(t, err)
	assert.Equal(t, "camara_7", shared.IsolationKey)
	assert.Equal(t, "camara_7", shared.Target.Key)
	assert.Equal(t, "camara_7", shared.Target.Schema)
	assert.Equal(t, sharedDSN, shared.Target.DSN)

	dedicated, err := Record{ID: "9", Slug: "camara-9", DSN: "postgres://app@other/camara9", Status: "ATIVO"}.Descriptor(sharedDSN)
	require.NoError(t, err)
	assert.Equal(t, "tenant:9", dedicated.IsolationKey)
	assert.Equal(t, "postgres://app@other/camara9", dedicated.Target.DSN)
	assert.Equal(t, "camara_9", dedicated.Target.Schema)

	_, err = Record{ID: "10", Status: "UNKNOWN"}.Descriptor(sharedDSN)
	assert.Error(t, err)
}
