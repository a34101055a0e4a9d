package health

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heymex/MeshyMcMapface/internal/localdb"
	"github.com/heymex/MeshyMcMapface/pkg/delivery"
)

var t0 = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		BackoffFloor:     time.Second,
		BackoffCeiling:   30 * time.Second,
		BackoffFactor:    2,
		AttentionAfter:   10 * time.Minute,
	}
}

var errDown = errors.New("connection refused")

func fail() delivery.Result { return delivery.Failed(delivery.KindTransport, errDown) }

func TestMonitor_StateSequence(t *testing.T) {
	m := NewMonitor("primary", testConfig(), nil)

	steps := []struct {
		name   string
		result delivery.Result
		want   delivery.HealthState
	}{
		{"first_failure", fail(), delivery.Degraded},
		{"second_failure", fail(), delivery.Degraded},
		{"threshold_reached", fail(), delivery.Unhealthy},
		{"one_success", delivery.Succeeded(), delivery.Recovering},
		{"second_success", delivery.Succeeded(), delivery.Healthy},
	}

	now := t0
	for _, step := range steps {
		now = now.Add(time.Second)
		m.Report(step.result, now)
		assert.Equal(t, step.want, m.State(), step.name)
	}
}

func TestMonitor_RecoveringFailsBack(t *testing.T) {
	m := NewMonitor("primary", testConfig(), nil)
	for i := 0; i < 3; i++ {
		m.Report(fail(), t0)
	}
	require.Equal(t, delivery.Unhealthy, m.State())

	tr := m.Report(delivery.Succeeded(), t0.Add(time.Minute))
	assert.Equal(t, Transition{From: delivery.Unhealthy, To: delivery.Recovering}, tr)

	tr = m.Report(fail(), t0.Add(2*time.Minute))
	assert.Equal(t, delivery.Unhealthy, tr.To)
	assert.Equal(t, 30*time.Second, m.Delay())
}

func TestMonitor_Backoff(t *testing.T) {
	t.Run("grows_to_ceiling_and_pins_while_unhealthy", func(t *testing.T) {
		cfg := testConfig()
		cfg.FailureThreshold = 10
		m := NewMonitor("primary", cfg, nil)

		want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
		for i, w := range want {
			m.Report(fail(), t0)
			assert.Equal(t, w*time.Second, m.Delay(), "failure %d", i+1)
		}
	})

	t.Run("unhealthy_pins_ceiling", func(t *testing.T) {
		m := NewMonitor("primary", testConfig(), nil)
		for i := 0; i < 3; i++ {
			m.Report(fail(), t0)
		}
		assert.Equal(t, 30*time.Second, m.Delay())
		assert.Equal(t, t0.Add(30*time.Second), m.ReadyAt())
	})

	t.Run("success_resets_to_floor", func(t *testing.T) {
		m := NewMonitor("primary", testConfig(), nil)
		m.Report(fail(), t0)
		m.Report(fail(), t0)
		m.Report(delivery.Succeeded(), t0)
		assert.Equal(t, delivery.Healthy, m.State())
		assert.Equal(t, time.Duration(0), m.Delay())

		m.Report(fail(), t0)
		assert.Equal(t, time.Second, m.Delay(), "next failure starts from the floor")
	})

	t.Run("retry_after_extends_ready_at", func(t *testing.T) {
		m := NewMonitor("primary", testConfig(), nil)
		m.Report(delivery.Result{Kind: delivery.KindThrottled, RetryAfter: 20 * time.Second}, t0)
		assert.Equal(t, t0.Add(20*time.Second), m.ReadyAt())
	})
}

func TestMonitor_Unauthorized(t *testing.T) {
	m := NewMonitor("primary", testConfig(), nil)
	m.Report(delivery.Failed(delivery.KindUnauthorized, errors.New("401")), t0)

	snap := m.Snapshot(t0)
	assert.True(t, snap.Misconfigured)
	assert.Equal(t, 30*time.Second, snap.Backoff, "credential failures back off hard")
	assert.Equal(t, "unauthorized", snap.LastErrorKind)

	m.Report(delivery.Succeeded(), t0.Add(time.Minute))
	assert.False(t, m.Snapshot(t0).Misconfigured)
}

func TestMonitor_NeedsAttention(t *testing.T) {
	m := NewMonitor("primary", testConfig(), nil)
	for i := 0; i < 3; i++ {
		m.Report(fail(), t0)
	}
	assert.False(t, m.NeedsAttention(t0.Add(5*time.Minute)))
	assert.True(t, m.NeedsAttention(t0.Add(11*time.Minute)))

	// Still unhealthy, still attempted: flagged but never disabled
	m.Report(fail(), t0.Add(12*time.Minute))
	assert.Equal(t, delivery.Unhealthy, m.State())
	assert.True(t, m.Snapshot(t0.Add(12*time.Minute)).NeedsAttention)

	m.Report(delivery.Succeeded(), t0.Add(13*time.Minute))
	m.Report(delivery.Succeeded(), t0.Add(14*time.Minute))
	assert.False(t, m.NeedsAttention(t0.Add(15*time.Minute)))
}

func TestMonitor_Reset(t *testing.T) {
	m := NewMonitor("primary", testConfig(), nil)
	for i := 0; i < 4; i++ {
		m.Report(fail(), t0)
	}
	m.Reset()
	snap := m.Snapshot(t0)
	assert.Equal(t, delivery.Healthy, snap.State)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	assert.Equal(t, int64(4), snap.TotalFailures)
	assert.True(t, m.ReadyAt().IsZero())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{"valid", testConfig(), nil},
		{"zero_threshold", Config{BackoffFloor: time.Second, BackoffCeiling: time.Minute}, ErrInvalidThreshold},
		{"ceiling_below_floor", Config{FailureThreshold: 1, BackoffFloor: time.Minute, BackoffCeiling: time.Second}, ErrInvalidBackoff},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	db, err := localdb.Open(ctx, localdb.Config{Path: filepath.Join(t.TempDir(), "agent.db")})
	require.NoError(t, err)
	defer db.Close()

	store := NewSQLiteStore(db)
	m := NewMonitor("primary", testConfig(), nil)
	for i := 0; i < 3; i++ {
		m.Report(fail(), t0)
	}
	require.NoError(t, store.SaveHealth(ctx, m.Snapshot(t0)))
	m.Report(delivery.Succeeded(), t0.Add(time.Second))
	require.NoError(t, store.SaveHealth(ctx, m.Snapshot(t0)))

	loaded, err := store.LoadHealth(ctx)
	require.NoError(t, err)
	require.Contains(t, loaded, "primary")

	restored := NewMonitor("primary", testConfig(), nil)
	restored.Restore(loaded["primary"])
	assert.Equal(t, delivery.Recovering, restored.State())
	assert.True(t, restored.Snapshot(t0).UnhealthySince.Equal(t0))

	restored.Report(delivery.Succeeded(), t0.Add(2*time.Second))
	assert.Equal(t, delivery.Healthy, restored.State())
}
