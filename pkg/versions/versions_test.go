package versions

import (
	"testing"
)

func TestVerCmpGreater(t *testing.T) {
	for _, test := range [][2]string{
		{"6.0", "5.0"},
		{"5.12", "5.2"},
		{"5.0", "5"},
		{"1.0-r1", "1.0-r0"},
		{"1.0-r1", "1.0"},
		{"999999999999999999999999999999", "999999999999999999999999999998"},
		{"1.0.0", "1.0"},
		{"1.0.0", "1.0b"},
		{"1b", "1"},
		{"1b_p1", "1_p1"},
		{"1.1b", "1.1"},
		{"12.2.5", "12.2b"},
		{"1.0_p1", "1.0"},
		{"1.0_rc1", "1.0_beta9"}} {
		if ans, err := VerCmp(test[0], test[1]); err != nil {
			t.Fatalf("vercmp error (%v)\n", err)
		} else if ans <= 0 {
			t.Errorf("vercmp wrong, %v < %v? Wrong!\n", test[0], test[1])
		}
	}
}

func TestVerCmpLess(t *testing.T) {
	for _, test := range [][2]string{
		{"4.0", "5.0"}, {"5", "5.0"}, {"1.0_pre2", "1.0_p2"},
		{"1.0_alpha2", "1.0_p2"}, {"1.0_alpha1", "1.0_beta1"}, {"1.0_beta3", "1.0_rc3"},
		{"1.001000000000000000001", "1.001000000000000000002"},
		{"1.00100000000", "1.0010000000000000001"},
		{"999999999999999999999999999998", "999999999999999999999999999999"},
		{"1.01", "1.1"},
		{"1.0-r0", "1.0-r1"},
		{"1.0", "1.0-r1"},
		{"1.0", "1.0.0"},
		{"1.0b", "1.0.0"},
		{"1_p1", "1b_p1"},
		{"1", "1b"},
		{"1.1", "1.1b"},
		{"12.2b", "12.2.5"},
		{"1.0_alpha", "1.0"}} {
		if ans, err := VerCmp(test[0], test[1]); err != nil {
			t.Fatalf("vercmp error (%v)\n", err)
		} else if ans >= 0 {
			t.Errorf("vercmp wrong, %v >= %v\n", test[0], test[1])
		}
	}
}

func TestVerCmpEqual(t *testing.T) {
	for _, test := range [][2]string{
		{"4.0", "4.0"},
		{"1.0", "1.0"},
		{"1.0-r0", "1.0"},
		{"1.0", "1.0-r0"},
		{"1.0-r0", "1.0-r0"},
		{"1.0-r1", "1.0-r1"}} {
		if ans, err := VerCmp(test[0], test[1]); err != nil {
			t.Fatalf("vercmp error (%v)\n", err)
		} else if ans != 0 {
			t.Errorf("vercmp wrong, %v != %v\n", test[0], test[1])
		}
	}
}

func TestVerCmpSyntaxError(t *testing.T) {
	for _, test := range [][2]string{
		{"1.0-abc", "1.0"},
		{"1.0", "x"},
		{"", "1"}} {
		if _, err := VerCmp(test[0], test[1]); err == nil {
			t.Errorf("vercmp accepted %q vs %q", test[0], test[1])
		}
	}
}

func TestCatPkgSplit(t *testing.T) {
	for _, test := range []struct {
		in   string
		want [4]string
	}{
		{"cat/pkg-1.0", [4]string{"cat", "pkg", "1.0", "r0"}},
		{"cat/pkg-1.0-r3", [4]string{"cat", "pkg", "1.0", "r3"}},
		{"dev-libs/foo-bar-2.1_p1", [4]string{"dev-libs", "foo-bar", "2.1_p1", "r0"}},
		{"pkg-1", [4]string{"null", "pkg", "1", "r0"}},
		{"cat/pkg", [4]string{}},
		{"cat/pkg-1-2", [4]string{}},
	} {
		if got := CatPkgSplit(test.in); got != test.want {
			t.Errorf("CatPkgSplit(%q) = %v, want %v", test.in, got, test.want)
		}
	}
}

func TestCpvGetKeyAndVersion(t *testing.T) {
	for _, test := range [][3]string{
		{"cat/pkg-1.0", "cat/pkg", "1.0"},
		{"cat/pkg-1.0-r2", "cat/pkg", "1.0-r2"},
		{"sys-libs/glibc-2.38-r10", "sys-libs/glibc", "2.38-r10"},
	} {
		if got := CpvGetKey(test[0]); got != test[1] {
			t.Errorf("CpvGetKey(%q) = %q", test[0], got)
		}
		if got := CpvGetVersion(test[0]); got != test[2] {
			t.Errorf("CpvGetVersion(%q) = %q", test[0], got)
		}
	}
}

func TestBestAndSort(t *testing.T) {
	cpvs := []string{"cat/pkg-1.10", "cat/pkg-1.2", "cat/pkg-1.2-r1", "cat/pkg-1.0_rc1"}
	if b := Best(cpvs); b != "cat/pkg-1.10" {
		t.Errorf("Best = %q", b)
	}
	SortCpvs(cpvs)
	want := []string{"cat/pkg-1.0_rc1", "cat/pkg-1.2", "cat/pkg-1.2-r1", "cat/pkg-1.10"}
	for i := range want {
		if cpvs[i] != want[i] {
			t.Fatalf("SortCpvs = %v", cpvs)
		}
	}
	if Best(nil) != "" {
		t.Errorf("Best(nil) should be empty")
	}
}
