package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smpkernel/core/cputable"
	"github.com/smpkernel/core/ipi"
)

type fakeCPU struct {
	haltCount int
}

func (f *fakeCPU) PushCLI() bool { return true }
func (f *fakeCPU) PopCLI(bool)   {}
func (f *fakeCPU) Halt()         { f.haltCount++ }

func newFixture(n int) (*Scheduler, *cputable.Table) {
	table := cputable.New(nil)

	for i := 0; i < n; i++ {
		table.RegisterCPU(i, uint32(i))
		table.MarkOnline(i, uint32(i))
	}

	return New(table, make([]*ipi.System, n)), table
}

func TestScheduleRunsOnLocalQueueByDefault(t *testing.T) {
	s, _ := newFixture(2)
	cpu := &fakeCPU{}

	ran := false
	require.True(t, s.Schedule(cpu, 0, func(arg any) { ran = true }, nil))

	assert.Equal(t, 1, s.RunqueueDepthCPU(0))
	assert.Equal(t, 0, s.RunqueueDepthCPU(1))

	require.True(t, s.RunNextWork(cpu, 0))
	assert.True(t, ran)
	assert.Equal(t, 0, s.RunqueueDepthCPU(0))
}

func TestSchedulePushBalancesToLeastLoadedCPU(t *testing.T) {
	s, _ := newFixture(2)
	cpu := &fakeCPU{}
	s.SetPushBalance(true)

	// The first two tasks stay on CPU 0; the third is pushed to CPU 1 once
	// CPU 0 leads by 2, and the fourth stays local (1+2 > 2).
	for i := 0; i < 3; i++ {
		require.True(t, s.Schedule(cpu, 0, func(arg any) {}, nil))
	}

	require.True(t, s.Schedule(cpu, 0, func(arg any) {}, nil))

	assert.Equal(t, 3, s.RunqueueDepthCPU(0))
	assert.Equal(t, 1, s.RunqueueDepthCPU(1), "3rd task should have been pushed to CPU 1 once the depth gap reached 2")
}

func TestScheduleOnRespectsAffinityAndRejectsOfflineTarget(t *testing.T) {
	s, _ := newFixture(2)
	cpu := &fakeCPU{}

	require.True(t, s.ScheduleOn(cpu, 1, func(arg any) {}, nil))
	assert.Equal(t, 1, s.RunqueueDepthCPU(1))

	assert.False(t, s.ScheduleOn(cpu, 5, func(arg any) {}, nil))
	assert.Equal(t, 1, s.RunqueueDepthTotal())
}

func TestYieldRunsLocalWorkBeforeStealing(t *testing.T) {
	s, _ := newFixture(2)
	cpu := &fakeCPU{}

	ran := false
	require.True(t, s.Schedule(cpu, 0, func(arg any) { ran = true }, nil))

	s.Yield(cpu, 0)

	assert.True(t, ran)
	assert.Equal(t, 0, cpu.haltCount)
}

func TestYieldStealsFromBusiestQueueWhenLocalEmptyAndStealingEnabled(t *testing.T) {
	s, _ := newFixture(2)
	cpu := &fakeCPU{}
	s.SetWorkStealing(true)

	ran := false
	require.True(t, s.Schedule(cpu, 1, func(arg any) { ran = true }, nil))

	s.Yield(cpu, 0)

	assert.True(t, ran, "cpu 0 should have stolen the unpinned task from cpu 1")
	assert.Equal(t, 0, s.RunqueueDepthCPU(1))
}

func TestYieldDoesNotStealPinnedTaskBelongingToAnotherCPU(t *testing.T) {
	s, _ := newFixture(2)
	cpu := &fakeCPU{}
	s.SetWorkStealing(true)

	require.True(t, s.ScheduleOn(cpu, 1, func(arg any) {}, nil))

	s.Yield(cpu, 0)

	assert.Equal(t, 1, cpu.haltCount, "cpu 0 must halt rather than steal work pinned to cpu 1")
	assert.Equal(t, 1, s.RunqueueDepthCPU(1))
}

func TestYieldHaltsWhenNoWorkAndStealingDisabled(t *testing.T) {
	s, _ := newFixture(2)
	cpu := &fakeCPU{}

	require.True(t, s.Schedule(cpu, 1, func(arg any) {}, nil))

	s.Yield(cpu, 0)

	assert.Equal(t, 1, cpu.haltCount)
	assert.Equal(t, 1, s.RunqueueDepthCPU(1))
}

func TestDoubleEnqueuePanics(t *testing.T) {
	s, _ := newFixture(1)
	cpu := &fakeCPU{}

	t1 := &Task{Fn: func(arg any) {}, Affinity: AffinityAny}

	assert.True(t, s.enqueue(cpu, 0, t1))
	assert.Panics(t, func() { s.enqueue(cpu, 0, t1) })
}

func TestPreemptDisableBlocksOnTickReschedule(t *testing.T) {
	s, _ := newFixture(1)

	s.PreemptDisable(0)
	s.OnTick(0)
	assert.False(t, s.ReschedulePending(0))

	s.PreemptEnable(0) // drop depth back to 0 without going through the RCU/CPU path
	s.OnTick(0)
	assert.True(t, s.ReschedulePending(0))
	assert.False(t, s.ReschedulePending(0), "ReschedulePending must consume the signal")
}

func TestExitCurrentTaskUnwindsWithoutPropagating(t *testing.T) {
	s, _ := newFixture(1)
	cpu := &fakeCPU{}

	reachedAfterExit := false
	require.True(t, s.Schedule(cpu, 0, func(arg any) {
		ExitCurrentTask()
		reachedAfterExit = true
	}, nil))

	assert.NotPanics(t, func() { s.RunNextWork(cpu, 0) })
	assert.False(t, reachedAfterExit)
	assert.Nil(t, s.Current(0))
}

func TestGenuinePanicInTaskStillPropagates(t *testing.T) {
	s, _ := newFixture(1)
	cpu := &fakeCPU{}

	require.True(t, s.Schedule(cpu, 0, func(arg any) {
		panic("kernel fault")
	}, nil))

	assert.Panics(t, func() { s.RunNextWork(cpu, 0) })
}

func TestRunqueueDepthTotalSumsAllQueues(t *testing.T) {
	s, _ := newFixture(2)
	cpu := &fakeCPU{}

	require.True(t, s.ScheduleOn(cpu, 0, func(arg any) {}, nil))
	require.True(t, s.ScheduleOn(cpu, 1, func(arg any) {}, nil))
	require.True(t, s.ScheduleOn(cpu, 1, func(arg any) {}, nil))

	assert.Equal(t, 3, s.RunqueueDepthTotal())
}
