package ipi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smpkernel/core/cputable"
)

// fakeCPU is a software stand-in for hw.CPU used to exercise the ipi
// package's dispatch and send logic without real silicon.
type fakeCPU struct {
	physicalID uint32
	sent       []sentIPI
	sendOK     bool
	eoiCount   int
	cliDepth   int
}

type sentIPI struct {
	target uint32
	vector int
	all    bool
}

func (f *fakeCPU) PhysicalID() uint32 { return f.physicalID }

func (f *fakeCPU) SendTo(physicalID uint32, vector int) bool {
	f.sent = append(f.sent, sentIPI{target: physicalID, vector: vector})
	return f.sendOK
}

func (f *fakeCPU) SendToAllOthers(vector int) bool {
	f.sent = append(f.sent, sentIPI{vector: vector, all: true})
	return f.sendOK
}

func (f *fakeCPU) EOI()             { f.eoiCount++ }
func (f *fakeCPU) Halt()            {}
func (f *fakeCPU) Pause()           {}
func (f *fakeCPU) Invlpg(uint64)    {}
func (f *fakeCPU) FlushTLB()        {}
func (f *fakeCPU) XSave([]byte)     {}
func (f *fakeCPU) XRestore([]byte)  {}
func (f *fakeCPU) XSaveAreaSize() int { return 512 }
func (f *fakeCPU) SetTaskSwitched()   {}
func (f *fakeCPU) ClearTaskSwitched() {}
func (f *fakeCPU) EnableFPUReinit()   {}

func (f *fakeCPU) PushCLI() bool {
	f.cliDepth++
	return true
}

func (f *fakeCPU) PopCLI(bool) {
	f.cliDepth--
}

func newTestSystem(physicalID uint32, sendOK bool) (*System, *fakeCPU, *cputable.Table) {
	cpu := &fakeCPU{physicalID: physicalID, sendOK: sendOK}
	table := cputable.New(func() uint32 { return physicalID })
	table.RegisterCPU(0, 0)
	table.RegisterCPU(1, 1)
	table.MarkOnline(0, 0)
	table.MarkOnline(1, 1)

	sys := New(cpu, table, 0, &Counter{})
	return sys, cpu, table
}

func TestPingIncrementsCounterAndRepliesPong(t *testing.T) {
	sys, cpu, table := newTestSystem(1, true)

	sys.Dispatch(VectorPing)

	assert.Equal(t, uint64(1), table.Record(1).PingCount.Load())
	require.Len(t, cpu.sent, 1)
	assert.Equal(t, VectorPong, cpu.sent[0].vector)
	assert.Equal(t, uint32(0), cpu.sent[0].target)
	assert.Equal(t, 1, cpu.eoiCount)
}

func TestPongIncrementsSharedCounter(t *testing.T) {
	shared := &Counter{}
	cpu := &fakeCPU{physicalID: 0}
	table := cputable.New(nil)
	table.RegisterCPU(0, 0)
	sys := New(cpu, table, 0, shared)

	sys.Dispatch(VectorPong)
	sys.Dispatch(VectorPong)

	assert.Equal(t, uint64(2), shared.Load())
}

func TestSendToOfflineTargetFails(t *testing.T) {
	sys, cpu, _ := newTestSystem(0, true)

	ok := sys.SendTo(99, VectorPing)

	assert.False(t, ok)
	assert.Empty(t, cpu.sent)
}

func TestSendToAllOthersNoOnlinePeersStillSucceeds(t *testing.T) {
	cpu := &fakeCPU{sendOK: true}
	table := cputable.New(nil)
	table.RegisterCPU(0, 0)
	sys := New(cpu, table, 0, &Counter{})

	ok := sys.SendToAllOthers(VectorSchedulerKick)

	assert.True(t, ok)
}

func TestRegisterVectorOutOfRangePanics(t *testing.T) {
	sys, _, _ := newTestSystem(0, true)

	assert.Panics(t, func() {
		sys.RegisterVector(1, func(*System) {})
	})
}

func TestRegisterVectorTwicePanics(t *testing.T) {
	sys, _, _ := newTestSystem(0, true)

	assert.Panics(t, func() {
		sys.RegisterVector(VectorPing, func(*System) {})
	})
}

func TestDispatchUnregisteredVectorStillEOIs(t *testing.T) {
	sys, cpu, _ := newTestSystem(0, true)

	sys.Dispatch(VectorTLBShootdown)

	assert.Equal(t, 1, cpu.eoiCount)
}

func TestCounterStressDistributesWork(t *testing.T) {
	stress := NewCounterStress()
	sys, _, table := newTestSystem(1, true)
	sys.RegisterVector(VectorCounterStress, stress.Handler())

	stress.SetQuota(table.CurrentLogicalIndex(), 100)
	sys.Dispatch(VectorCounterStress)

	assert.Equal(t, 100, stress.Counter())
	assert.True(t, stress.Done(1))
}
