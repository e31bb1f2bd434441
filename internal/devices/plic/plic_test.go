package plic

import "testing"

const uartSource = 10

func enableS(p *PLIC, source uint32) {
	p.WriteU32(Base+PriorityBase+uint64(source)*4, 1)
	enableAddr := Base + EnableBase + ContextS*EnableStride + uint64(source/32)*4
	p.WriteU32(enableAddr, p.ReadU32(enableAddr)|1<<(source%32))
	p.WriteU32(Base+ThresholdBase+ContextS*ContextStride, 0)
}

func TestClaimComplete(t *testing.T) {
	p := New()
	enableS(p, uartSource)

	p.SetPending(uartSource, true)
	if !p.Pending(ContextS) {
		t.Fatalf("S context not pending")
	}
	if p.Pending(ContextM) {
		t.Fatalf("M context pending without enable")
	}

	claimAddr := Base + ThresholdBase + ContextS*ContextStride + 4
	if got := p.ReadU32(claimAddr); got != uartSource {
		t.Fatalf("claim = %d, want %d", got, uartSource)
	}
	if p.Claimed(ContextS) != uartSource {
		t.Fatalf("claimed = %d", p.Claimed(ContextS))
	}
	if got := p.ReadU32(claimAddr); got != 0 {
		t.Fatalf("second claim = %d, want 0", got)
	}

	if clear := p.WriteU32(claimAddr, uartSource); !clear {
		t.Fatalf("complete with nothing pending did not report clearSEIP")
	}
	if p.Claimed(ContextS) != 0 {
		t.Fatalf("source still claimed after complete")
	}
}

func TestClearSEIPWhileStillPending(t *testing.T) {
	p := New()
	enableS(p, uartSource)
	enableS(p, 1)
	p.SetPending(uartSource, true)
	p.SetPending(1, true)

	enableAddr := Base + EnableBase + ContextS*EnableStride
	if got := p.ReadU32(enableAddr); got != 1<<uartSource|1<<1 {
		t.Fatalf("enable word = %#x, want sources 1 and %d", got, uartSource)
	}

	claimAddr := Base + ThresholdBase + ContextS*ContextStride + 4
	first := p.ReadU32(claimAddr)
	if first != 1 && first != uartSource {
		t.Fatalf("claim = %d", first)
	}
	if clear := p.WriteU32(claimAddr, first); clear {
		t.Fatalf("clearSEIP reported with a second source pending")
	}

	second := p.ReadU32(claimAddr)
	if second == first || second == 0 {
		t.Fatalf("second claim = %d after %d", second, first)
	}
	if clear := p.WriteU32(claimAddr, second); !clear {
		t.Fatalf("clearSEIP not reported once both sources completed")
	}
}

func TestThresholdMasks(t *testing.T) {
	p := New()
	enableS(p, uartSource)
	p.WriteU32(Base+ThresholdBase+ContextS*ContextStride, 1)
	p.SetPending(uartSource, true)
	if p.Pending(ContextS) {
		t.Fatalf("priority 1 interrupt passed threshold 1")
	}
	if got := p.ReadU32(Base + ThresholdBase + ContextS*ContextStride); got != 1 {
		t.Fatalf("threshold = %d", got)
	}
}

func TestRegisters(t *testing.T) {
	p := New()

	p.WriteU32(Base+PriorityBase, 5)
	if got := p.ReadU32(Base + PriorityBase); got != 0 {
		t.Fatalf("source 0 priority = %d, want 0", got)
	}
	p.WriteU32(Base+PriorityBase+4*3, 0xff)
	if got := p.ReadU32(Base + PriorityBase + 4*3); got != 7 {
		t.Fatalf("priority = %d, want 7", got)
	}

	p.SetPending(33, true)
	if got := p.ReadU32(Base + PendingBase + 4); got != 1<<1 {
		t.Fatalf("pending word = %#x", got)
	}
	p.WriteU32(Base+PendingBase+4, 0)
	if got := p.ReadU32(Base + PendingBase + 4); got != 1<<1 {
		t.Fatalf("pending bits are writable")
	}

	p.SetPending(0, true)
	p.SetPending(MaxSources, true)
	if got := p.ReadU32(Base + PendingBase); got != 0 {
		t.Fatalf("reserved source became pending")
	}
}

func TestContains(t *testing.T) {
	for _, tc := range []struct {
		pa   uint64
		want bool
	}{
		{Base - 1, false},
		{Base, true},
		{0x0fff_ffff, true},
		{0x1000_0000, false},
	} {
		if got := Contains(tc.pa); got != tc.want {
			t.Errorf("Contains(%#x) = %v, want %v", tc.pa, got, tc.want)
		}
	}
}
