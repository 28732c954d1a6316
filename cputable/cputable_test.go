package cputable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTable() *Table {
	var physID uint32
	return New(func() uint32 { return physID })
}

func TestRegisterAndLookupRoundTrip(t *testing.T) {
	tbl := New(nil)

	tbl.RegisterCPU(0, 0)
	tbl.RegisterCPU(1, 2)
	tbl.RegisterCPU(2, 5)

	for _, idx := range []int{0, 1, 2} {
		phys := tbl.LookupPhysicalFromLogical(idx)
		assert.Equal(t, idx, tbl.LookupLogicalFromPhysical(phys))
	}
}

func TestLookupUnknownPhysicalID(t *testing.T) {
	tbl := New(nil)
	tbl.RegisterCPU(0, 0)

	assert.Equal(t, Unassigned, tbl.LookupLogicalFromPhysical(999))
	assert.False(t, tbl.IsOnline(999))
}

func TestDuplicateLogicalIndexPanics(t *testing.T) {
	tbl := New(nil)
	tbl.RegisterCPU(0, 7)

	assert.Panics(t, func() {
		tbl.RegisterCPU(1, 7)
	})
}

func TestMarkOnlineOnceAndOnlineCount(t *testing.T) {
	tbl := New(nil)
	tbl.RegisterCPU(0, 0)
	tbl.RegisterCPU(1, 1)

	require.Equal(t, 0, tbl.OnlineCount())

	tbl.MarkOnline(0, 0)
	assert.Equal(t, 1, tbl.OnlineCount())
	assert.True(t, tbl.IsOnline(0))
	assert.False(t, tbl.IsOnline(1))

	assert.Panics(t, func() {
		tbl.MarkOnline(0, 0)
	})
}

func TestMarkOnlineCorrectsMisassignedPhysicalID(t *testing.T) {
	tbl := New(nil)
	tbl.RegisterCPU(0, 9) // the BSP's assumption at dispatch time

	tbl.MarkOnline(0, 11) // the AP's own, authoritative read-back

	assert.Equal(t, uint32(11), tbl.LookupPhysicalFromLogical(0))
	assert.Equal(t, 0, tbl.LookupLogicalFromPhysical(11))
	assert.Equal(t, Unassigned, tbl.LookupLogicalFromPhysical(9))
	assert.True(t, tbl.IsOnline(11))
}

func TestCurrentLogicalIndexBeforeMapPopulated(t *testing.T) {
	tbl := newTestTable()
	assert.Equal(t, 0, tbl.CurrentLogicalIndex())
}

func TestCurrentLogicalIndexAfterRegistration(t *testing.T) {
	var physID uint32 = 3
	tbl := New(func() uint32 { return physID })

	tbl.RegisterCPU(0, 0)
	tbl.RegisterCPU(1, 3)

	assert.Equal(t, 1, tbl.CurrentLogicalIndex())
}

func TestEachVisitsEveryRegisteredRecord(t *testing.T) {
	tbl := New(nil)
	tbl.RegisterCPU(0, 0)
	tbl.RegisterCPU(1, 1)
	tbl.RegisterCPU(2, 2)

	seen := make(map[int]bool)
	tbl.Each(func(r *Record) {
		seen[r.LogicalIndex] = true
	})

	assert.Len(t, seen, 3)
}
