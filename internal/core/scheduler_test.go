package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineAnnealingReachesEtaMin(t *testing.T) {
	opt := NewSGD(nil, SGDConfig{LR: 0.1})
	s, err := NewScheduler(SchedulerCosine, opt, ScheduleConfig{TMax: 10, EtaMin: 1e-5})
	require.NoError(t, err)

	prev := opt.LR()
	for i := 0; i < 10; i++ {
		s.Step()
		assert.LessOrEqual(t, s.LR(), prev)
		prev = s.LR()
	}
	assert.InDelta(t, 1e-5, s.LR(), 1e-12)
}

func TestMultiStepDecaysAtMilestones(t *testing.T) {
	opt := NewSGD(nil, SGDConfig{LR: 1})
	s, err := NewScheduler(SchedulerStepLR, opt, ScheduleConfig{Milestones: []int{4, 2}, Gamma: 0.1})
	require.NoError(t, err)

	var lrs []float64
	for i := 0; i < 5; i++ {
		s.Step()
		lrs = append(lrs, s.LR())
	}
	assert.InDeltaSlice(t, []float64{1, 0.1, 0.1, 0.01, 0.01}, lrs, 1e-12)
}

func TestUnknownSchedulerIsConfigurationError(t *testing.T) {
	_, err := NewScheduler("plateau", NewSGD(nil, SGDConfig{LR: 1}), ScheduleConfig{})
	require.ErrorIs(t, err, ErrConfiguration)
}
