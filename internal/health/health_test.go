package health

import "testing"

func TestNewSamplerStartsNotSoftDown(t *testing.T) {
	s := NewSampler(0, 0, 90.0)
	if s.SoftDown() {
		t.Fatal("a fresh sampler should not report soft-down before sampling")
	}
}
