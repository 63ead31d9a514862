package targets

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pewcast/internal/job"
	"pewcast/internal/storage"
	"pewcast/internal/transport"
	logx "pewcast/pkg/logx"
)

func TestResolve(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory(nil)
	require.NoError(t, st.UpsertTarget(ctx, job.Target{ChatID: -3, Active: true}))
	require.NoError(t, st.UpsertTarget(ctx, job.Target{ChatID: -1, Active: true}))
	require.NoError(t, st.UpsertTarget(ctx, job.Target{ChatID: -2, Active: false}))
	r := NewResolver(st)

	tests := []struct {
		name string
		job  job.Job
		want []int64
	}{
		{name: "all uses active", job: job.Job{TargetsMode: job.TargetsAll}, want: []int64{-3, -1}},
		{name: "explicit ignores liveness", job: job.Job{TargetsMode: job.TargetsExplicit, TargetIDs: []int64{-2, 5, -2}}, want: []int64{-2, 5}},
		{name: "explicit empty", job: job.Job{TargetsMode: job.TargetsExplicit}, want: []int64{}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := r.Resolve(ctx, &tt.job)
			require.NoError(t, err)
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := r.Resolve(ctx, &job.Job{TargetsMode: "some"})
	assert.Error(t, err)
}

func TestRegistryRun(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := storage.NewMemory(nil)
	reg := NewRegistry(st, logx.Nop())

	in := make(chan transport.Update, 8)
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	in <- transport.Update{Kind: transport.UpdateMembership, Chat: transport.ChatInfo{ID: -10, Title: "News", Type: "supergroup"}, Active: true, At: at}
	in <- transport.Update{Kind: transport.UpdateActivity, Chat: transport.ChatInfo{ID: 42, Type: "private"}, At: at}
	in <- transport.Update{Kind: transport.UpdateMembership, Chat: transport.ChatInfo{ID: -11, Title: "Gone", Type: "group"}, Active: true, At: at}
	in <- transport.Update{Kind: transport.UpdateMembership, Chat: transport.ChatInfo{ID: -11, Type: "group"}, Active: false, At: at}
	close(in)
	require.NoError(t, reg.Run(ctx, in))

	all, err := st.ListTargets(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, int64(-11), all[0].ChatID)
	assert.False(t, all[0].Active)
	assert.Equal(t, "Gone", all[0].Title)
	assert.True(t, all[1].Active)

	require.NoError(t, reg.Deactivate(ctx, -10))
	require.NoError(t, reg.Deactivate(ctx, -999))
	active, err := st.ListTargets(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)
}
