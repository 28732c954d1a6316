package rcu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smpkernel/core/cputable"
	"github.com/smpkernel/core/ipi"
	"github.com/smpkernel/core/sched"
)

type fakeCPU struct{}

func (f *fakeCPU) PhysicalID() uint32       { return 0 }
func (f *fakeCPU) SendTo(uint32, int) bool  { return true }
func (f *fakeCPU) SendToAllOthers(int) bool { return true }
func (f *fakeCPU) EOI()                     {}
func (f *fakeCPU) Halt()                    {}
func (f *fakeCPU) Pause()                   {}
func (f *fakeCPU) PushCLI() bool            { return true }
func (f *fakeCPU) PopCLI(bool)              {}
func (f *fakeCPU) Invlpg(uint64)            {}
func (f *fakeCPU) FlushTLB()                {}
func (f *fakeCPU) XSave([]byte)             {}
func (f *fakeCPU) XRestore([]byte)          {}
func (f *fakeCPU) XSaveAreaSize() int       { return 512 }
func (f *fakeCPU) SetTaskSwitched()         {}
func (f *fakeCPU) ClearTaskSwitched()       {}
func (f *fakeCPU) EnableFPUReinit()         {}

func newFixture(n int) (*Engine, *cputable.Table) {
	table := cputable.New(nil)
	for i := 0; i < n; i++ {
		table.RegisterCPU(i, uint32(i))
		table.MarkOnline(i, uint32(i))
	}

	scheduler := sched.New(table, make([]*ipi.System, n))

	return New(table, scheduler, n), table
}

func TestReadLockUnlockIsIdempotentOnDepth(t *testing.T) {
	e, _ := newFixture(4)
	cpu := &fakeCPU{}

	e.ReadLock(0)
	e.ReadUnlock(cpu, 0)

	assert.Equal(t, 0, e.ReadDepth(0))
	assert.Equal(t, 0, e.PreemptDepth(0))
}

func TestPreemptDisableEnableRoundTrip(t *testing.T) {
	e, _ := newFixture(4)
	cpu := &fakeCPU{}

	e.PreemptDisable(0)
	e.PreemptEnable(cpu, 0)

	assert.Equal(t, 0, e.PreemptDepth(0))
}

func TestReadLockSharesPreemptDepthWithScheduler(t *testing.T) {
	e, _ := newFixture(1)
	cpu := &fakeCPU{}

	e.ReadLock(0)

	assert.Equal(t, 1, e.sched.PreemptDepth(0), "read_lock must disable preemption through the scheduler's own counter")

	e.sched.OnTick(0)
	assert.False(t, e.sched.ReschedulePending(0), "a tick during an RCU read section must not schedule a reprieve")

	e.ReadUnlock(cpu, 0)

	assert.Equal(t, 0, e.sched.PreemptDepth(0))

	e.sched.OnTick(0)
	assert.True(t, e.sched.ReschedulePending(0))
}

func TestSynchronizeWithNoReadersCompletesPromptly(t *testing.T) {
	e, _ := newFixture(1)
	cpu := &fakeCPU{}

	ok := e.Synchronize(cpu, 0)

	assert.True(t, ok)
	assert.GreaterOrEqual(t, e.GPSeq(), uint64(1))
}

func TestCallFiresExactlyOnceAfterAllCPUsQuiescent(t *testing.T) {
	e, _ := newFixture(4)
	cpu := &fakeCPU{}

	// CPUs 1..3 are mid-read-section when the callback is registered.
	for idx := 1; idx < 4; idx++ {
		e.ReadLock(idx)
	}

	fired := 0
	e.Call(cpu, 0, func(ctx any) { fired++ }, nil)

	startGP := e.GPSeq()
	assert.Equal(t, 0, fired, "callback must not fire while CPUs 1..3 are still in a read section")

	for idx := 1; idx < 4; idx++ {
		e.ReadUnlock(cpu, idx)
	}

	require.Equal(t, 1, fired)
	assert.GreaterOrEqual(t, e.GPSeq(), startGP+1)
	assert.Equal(t, 0, e.PendingCount())
}

func TestCallDoesNotFireBeforeAllCPUsQuiescent(t *testing.T) {
	e, _ := newFixture(3)
	cpu := &fakeCPU{}

	e.ReadLock(1) // CPU 1 is now non-quiescent

	fired := 0
	e.Call(cpu, 0, func(ctx any) { fired++ }, nil)

	assert.Equal(t, 0, fired, "callback must not fire until every online CPU has been quiescent")

	e.ReadUnlock(cpu, 1)

	assert.Equal(t, 1, fired)
}
