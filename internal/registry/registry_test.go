package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	apperrors "github.com/R3E-Network/appos/internal/errors"
)

func TestRegisterAndResolve(t *testing.T) {
	r := New()
	err := r.Register(&Registered{Ref: "crm.rules.validate", ObjectType: TypeRule})
	require.NoError(t, err)

	obj, ok := r.Resolve("crm.rules.validate")
	require.True(t, ok)
	require.Equal(t, TypeRule, obj.ObjectType)
	require.Equal(t, "crm", obj.AppName, "app name derives from the first dotted segment")
}

func TestRegister_Invalid(t *testing.T) {
	r := New()
	require.Error(t, r.Register(&Registered{Ref: "", ObjectType: TypeRule}))
	require.Error(t, r.Register(&Registered{Ref: "crm.rules.x"}))
}

func TestResolveTyped(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(&Registered{Ref: "crm.processes.onboard", ObjectType: TypeProcess}))

	_, err := r.ResolveTyped("crm.processes.onboard", TypeRule)
	require.Error(t, err)
	require.True(t, apperrors.HasCode(err, apperrors.CodeWrongType))

	_, err = r.ResolveTyped("crm.processes.missing", TypeProcess)
	require.Error(t, err)
	require.True(t, apperrors.HasCode(err, apperrors.CodeUnknownRef))

	obj, err := r.ResolveTyped("crm.processes.onboard", TypeProcess)
	require.NoError(t, err)
	require.Equal(t, "crm.processes.onboard", obj.Ref)
}

func TestAll_PreservesRegistrationOrder(t *testing.T) {
	r := New()
	refs := []string{"a.rules.r1", "a.rules.r2", "b.processes.p1"}
	for _, ref := range refs {
		tp := TypeRule
		if ref == "b.processes.p1" {
			tp = TypeProcess
		}
		require.NoError(t, r.Register(&Registered{Ref: ref, ObjectType: tp}))
	}

	all := r.All()
	require.Len(t, all, 3)
	for i, ref := range refs {
		require.Equal(t, ref, all[i].Ref)
	}
}

func TestUnregisterAndClear(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(&Registered{Ref: "a.rules.r1", ObjectType: TypeRule}))
	require.NoError(t, r.Register(&Registered{Ref: "a.rules.r2", ObjectType: TypeRule}))

	r.Unregister("a.rules.r1")
	_, ok := r.Resolve("a.rules.r1")
	require.False(t, ok)
	require.Len(t, r.All(), 1)

	r.Clear()
	require.Empty(t, r.All())
}
