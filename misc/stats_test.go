package misc

import "testing"

func TestStats(t *testing.T) {
	s := NewStats()
	if lo, hi, avg, total, count := s.GetStats(); lo != 0 || hi != 0 || avg != 0 || total != 0 || count != 0 {
		t.Fatalf("unexpected initial state: %v %v %v %v %v", lo, hi, avg, total, count)
	}
	// A non-positive quantity must not affect the statistics.
	s.Trigger(-1)
	if _, _, _, _, count := s.GetStats(); count != 0 {
		t.Fatalf("negative trigger was counted")
	}
	s.Trigger(1)
	s.Trigger(5)
	s.Trigger(6)
	lo, hi, avg, total, count := s.GetStats()
	if lo != 1 || hi != 6 || avg != 4 || total != 12 || count != 3 {
		t.Fatalf("got lo=%v hi=%v avg=%v total=%v count=%v", lo, hi, avg, total, count)
	}
	if formatted := s.Format(1, 2); formatted != "1.00/4.00/6.00/12.00(3)" {
		t.Fatalf("unexpected format: %q", formatted)
	}
}
