package tlb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smpkernel/core/cputable"
	"github.com/smpkernel/core/ipi"
)

type fakeCPU struct {
	physicalID  uint32
	invlpgCalls []uint64
	flushCalls  int
	sendOK      bool
	onSendTo    func(physicalID uint32, vector int)
}

func (f *fakeCPU) PhysicalID() uint32 { return f.physicalID }

func (f *fakeCPU) SendTo(physicalID uint32, vector int) bool {
	if f.onSendTo != nil {
		f.onSendTo(physicalID, vector)
	}
	return f.sendOK
}

func (f *fakeCPU) SendToAllOthers(int) bool { return f.sendOK }
func (f *fakeCPU) EOI()   {}
func (f *fakeCPU) Halt()  {}
func (f *fakeCPU) Pause() {}
func (f *fakeCPU) PushCLI() bool  { return true }
func (f *fakeCPU) PopCLI(bool)    {}
func (f *fakeCPU) Invlpg(addr uint64) { f.invlpgCalls = append(f.invlpgCalls, addr) }
func (f *fakeCPU) FlushTLB()          { f.flushCalls++ }
func (f *fakeCPU) XSave([]byte)       {}
func (f *fakeCPU) XRestore([]byte)    {}
func (f *fakeCPU) XSaveAreaSize() int { return 512 }
func (f *fakeCPU) SetTaskSwitched()   {}
func (f *fakeCPU) ClearTaskSwitched() {}
func (f *fakeCPU) EnableFPUReinit()   {}

func newFixture(t *testing.T, physID uint32) (*Engine, *ipi.System, *fakeCPU, *cputable.Table) {
	t.Helper()

	table := cputable.New(func() uint32 { return physID })
	table.RegisterCPU(0, 0)
	table.RegisterCPU(1, 1)
	table.RegisterCPU(2, 2)
	table.MarkOnline(0, 0)
	table.MarkOnline(1, 1)
	table.MarkOnline(2, 2)

	cpu := &fakeCPU{physicalID: physID, sendOK: true}
	sys := ipi.New(cpu, table, 0, &ipi.Counter{})

	e := New()
	e.RegisterHandler(sys)

	// simulate an instantly-processed remote target: a real AP would run
	// the registered handler itself, but this fixture only models one
	// CPU's hw.CPU, so acknowledge on its behalf when a send targets it.
	cpu.onSendTo = func(physicalID uint32, vector int) {
		if vector != ipi.VectorTLBShootdown {
			return
		}

		idx := table.LookupLogicalFromPhysical(physicalID)
		table.Record(idx).TLBAckGen.Store(e.generation.Load())
	}

	return e, sys, cpu, table
}

func TestShootdownPageInvalidatesSelfAndAcksTargets(t *testing.T) {
	e, sys, cpu, table := newFixture(t, 0)

	ok := e.ShootdownPage(sys, 0x1000)

	require.True(t, ok)
	assert.Contains(t, cpu.invlpgCalls, uint64(0x1000))

	for _, idx := range []int{1, 2} {
		assert.GreaterOrEqual(t, table.Record(idx).TLBAckGen.Load(), e.generation.Load())
	}
}

func TestShootdownAllFlushesSelf(t *testing.T) {
	e, sys, cpu, _ := newFixture(t, 0)

	ok := e.ShootdownAll(sys)

	assert.True(t, ok)
	assert.Equal(t, 1, cpu.flushCalls)
}

func TestHandlerIncrementsTLBIPICount(t *testing.T) {
	e, sys, _, table := newFixture(t, 1)

	e.handle(sys)

	assert.Equal(t, uint64(1), table.Record(1).TLBIPICount.Load())
}

func TestGenerationMonotonicallyIncreases(t *testing.T) {
	e, sys, _, _ := newFixture(t, 0)

	e.ShootdownPage(sys, 0x2000)
	g1 := e.generation.Load()

	e.ShootdownPage(sys, 0x3000)
	g2 := e.generation.Load()

	assert.Greater(t, g2, g1)
}
