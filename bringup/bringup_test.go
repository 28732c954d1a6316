package bringup

import (
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smpkernel/core/cputable"
)

// backingPage is a plausible physical address for a host-process test: a
// heap-allocated byte slice's data pointer, used the same way the rest of
// the core peeks/pokes "physical" memory through internal/reg in tests.
func backingPage(t *testing.T) uint32 {
	t.Helper()

	buf := make([]byte, RecordSize+64)
	return uint32(uintptr(unsafe.Pointer(&buf[0])))
}

func TestRecordFillAndReadRoundTrip(t *testing.T) {
	base := backingPage(t)
	r := NewRecord(base)

	r.Reset()
	assert.False(t, r.Ready())

	r.Fill(0xcafe000, 0x1000_2000, 0x2000_3000, 0x99, 7, 3)

	assert.True(t, r.ValidMagic())
	assert.Equal(t, uint64(0xcafe000), r.PageTableRoot())
	assert.Equal(t, uint64(0x1000_2000), r.StackTop())
	assert.Equal(t, uint64(0x2000_3000), r.Entry64())
	assert.Equal(t, uint64(0x99), r.Arg())
	assert.Equal(t, uint32(7), r.PhysicalID())
	assert.Equal(t, 3, r.LogicalIndex())
	assert.False(t, r.Ready())

	r.SetReady()
	assert.True(t, r.Ready())
}

func TestResetClearsReadyAndMagic(t *testing.T) {
	base := backingPage(t)
	r := NewRecord(base)

	r.Fill(1, 2, 3, 4, 5, 6)
	r.SetReady()
	require.True(t, r.Ready())

	r.Reset()

	assert.False(t, r.Ready())
	assert.False(t, r.ValidMagic())
}

type fakePause struct{ n int }

func (p *fakePause) Pause() { p.n++ }

func TestAPInitRunSequencesStepsAndMarksOnline(t *testing.T) {
	base := backingPage(t)
	r := NewRecord(base)
	r.Fill(1, 0x4000, 2, 0, 9, 2)

	var order []string
	marked := -1
	markedPhysicalID := uint32(0)
	var scheduledIdx int
	var scheduledStack uint64

	a := &APInit{
		DisableInterrupts: func() { order = append(order, "cli") },
		LoadGDTAndIDT:     func() { order = append(order, "gdt") },
		EnableNX:          func() { order = append(order, "nx") },
		InitFPU:           func() bool { order = append(order, "fpu"); return true },
		EnableLAPIC:       func() { order = append(order, "lapic") },
		ClearInterrupt:    func() { order = append(order, "eoi") },
		LocalPhysicalID:   func() uint32 { return 9 },
		InstallScheduler: func(idx int, stackTop uint64) {
			order = append(order, "sched")
			scheduledIdx, scheduledStack = idx, stackTop
		},
		InstallSyscall: func() { order = append(order, "syscall") },
		MarkOnline: func(idx int, physicalID uint32) {
			order = append(order, "online")
			marked = idx
			markedPhysicalID = physicalID
		},
		EnableInterrupts: func() { order = append(order, "sti") },
	}

	got := a.Run(r)

	assert.Equal(t, 2, got)
	assert.Equal(t, 2, marked)
	assert.Equal(t, uint32(9), markedPhysicalID, "mark_online must receive the freshly re-read local physical id, not the record's")
	assert.Equal(t, 2, scheduledIdx)
	assert.Equal(t, uint64(0x4000), scheduledStack)
	assert.True(t, r.Ready())
	assert.Equal(t,
		[]string{"cli", "gdt", "nx", "fpu", "lapic", "eoi", "sched", "syscall", "online", "sti"},
		order)
}

func TestAPInitRunIsFailSoftOnFPUInitFailure(t *testing.T) {
	base := backingPage(t)
	r := NewRecord(base)
	r.Fill(1, 0x4000, 2, 0, 9, 5)

	a := &APInit{
		DisableInterrupts: func() {},
		LoadGDTAndIDT:     func() {},
		EnableNX:          func() {},
		InitFPU:           func() bool { return false },
		EnableLAPIC:       func() {},
		ClearInterrupt:    func() {},
		LocalPhysicalID:   func() uint32 { return 9 },
		InstallScheduler:  func(int, uint64) {},
		InstallSyscall:    func() {},
		MarkOnline:        func(int, uint32) {},
		EnableInterrupts:  func() {},
	}

	got := a.Run(r)

	assert.Equal(t, 5, got)
	assert.True(t, r.Ready(), "bring-up must still complete and publish ready when FPU init fails")
}

func TestAPInitRunMarksOnlineWithLocallyReadPhysicalIDNotTheRecords(t *testing.T) {
	base := backingPage(t)
	r := NewRecord(base)
	r.Fill(1, 0x4000, 2, 0, 9, 2) // handoff record says physical id 9

	markedPhysicalID := uint32(0)

	a := &APInit{
		DisableInterrupts: func() {},
		LoadGDTAndIDT:     func() {},
		EnableNX:          func() {},
		InitFPU:           func() bool { return true },
		EnableLAPIC:       func() {},
		ClearInterrupt:    func() {},
		LocalPhysicalID:   func() uint32 { return 14 }, // local controller disagrees
		InstallScheduler:  func(int, uint64) {},
		InstallSyscall:    func() {},
		MarkOnline: func(idx int, physicalID uint32) {
			markedPhysicalID = physicalID
		},
		EnableInterrupts: func() {},
	}

	a.Run(r)

	assert.Equal(t, uint32(14), markedPhysicalID, "the local controller's own read-back, not the handoff record's assumption, is authoritative")
}

type fakeIPISender struct {
	sends int
}

func (f *fakeIPISender) IPI(apicid, id, flags int) { f.sends++ }

// readyAfter simulates the AP side completing bring-up after n polls: once
// Pause has been called n times, it publishes ready and marks the target
// online, letting Bring's bounded poll observe success.
type readyAfter struct {
	n      int
	record *Record
	table  *cputable.Table
	target Target
}

func (r *readyAfter) Pause() {
	r.n--

	if r.n == 0 {
		r.record.SetReady()
		r.table.MarkOnline(r.target.LogicalIndex, r.target.PhysicalID)
	}
}

func TestBringSucceedsWhenAPPublishesReadyInTime(t *testing.T) {
	base := backingPage(t)
	table := cputable.New(nil)
	table.RegisterCPU(0, 0) // the BSP registers itself first
	sender := &fakeIPISender{}

	b := &BSP{
		LAPIC:          sender,
		Record:         NewRecord(base),
		Table:          table,
		TrampolinePage: 0x4000,
		PageTableRoot:  1,
		Entry64:        2,
		InterSIPIDelay: time.Microsecond,
	}

	target := Target{PhysicalID: 4, LogicalIndex: 1, StackTop: 0x8000}
	pause := &readyAfter{n: 5, record: b.Record, table: table, target: target}

	ok := b.Bring(pause, target)

	assert.True(t, ok)
	assert.Equal(t, 3, sender.sends, "INIT-SIPI-SIPI is exactly three ICR writes")
	assert.Equal(t, target.PhysicalID, b.Record.PhysicalID())
	assert.Equal(t, target.LogicalIndex, b.Record.LogicalIndex())
}

func TestBringTimesOutWhenAPNeverPublishesReady(t *testing.T) {
	base := backingPage(t)
	table := cputable.New(nil)
	table.RegisterCPU(0, 0) // the BSP registers itself first
	sender := &fakeIPISender{}

	b := &BSP{
		LAPIC:          sender,
		Record:         NewRecord(base),
		Table:          table,
		TrampolinePage: 0x4000,
		PageTableRoot:  1,
		Entry64:        2,
		InterSIPIDelay: time.Microsecond,
	}

	target := Target{PhysicalID: 4, LogicalIndex: 1, StackTop: 0x8000}

	ok := b.Bring(&neverPause{}, target)

	require.False(t, ok)
	assert.False(t, table.Record(1).Online())
}

type neverPause struct{}

func (neverPause) Pause() {}
