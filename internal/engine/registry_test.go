package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"charterdesk/api/internal/model"
)

func TestRegistryLifecycle(t *testing.T) {
	reg := NewRegistry(testDeps(t, ""), Options{Policy: model.PolicyExclusive})
	ctx := context.Background()

	a, err := reg.Create("Alpha", "")
	require.NoError(t, err)
	b, err := reg.Create("", model.PolicyMixed)
	require.NoError(t, err)
	assert.Equal(t, model.PolicyExclusive, a.Container().Policy())
	assert.Equal(t, model.PolicyMixed, b.Container().Policy())
	assert.Equal(t, "Project charter", b.Title)
	assert.Len(t, reg.List(), 2)

	got, err := reg.Get(a.ID)
	require.NoError(t, err)
	assert.Same(t, a, got)

	_, err = a.Submit(model.ChannelTyping, "note")
	require.NoError(t, err)
	version, err := reg.DraftVersion(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
	draft, err := reg.ExportDraft(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alpha", draft.Title)

	require.NoError(t, reg.Close(ctx, a.ID))
	_, err = reg.Get(a.ID)
	require.ErrorIs(t, err, ErrSessionNotFound)
	require.ErrorIs(t, reg.Close(ctx, a.ID), ErrSessionNotFound)
	_, err = reg.ExportDraft(ctx, a.ID)
	require.ErrorIs(t, err, ErrSessionNotFound)

	reg.Shutdown(ctx)
	assert.Empty(t, reg.List())
}
