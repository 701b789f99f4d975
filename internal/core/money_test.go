package core

import "testing"

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in     string
		out    int64
		ok     bool
		reason string
	}{
		{"1", 100, true, ""},
		{"1.0", 100, true, ""},
		{"4.50", 450, true, ""},
		{"4,50", 450, true, ""},
		{"0.01", 1, true, ""},
		{"1.005", 101, true, ""}, // half-up rounding
		{" 2.50 ", 250, true, ""},
		{".5", 50, true, ""},
		{"-1", 0, false, ReasonNotPositive},
		{"0", 0, false, ReasonNotPositive},
		{"0.001", 0, false, ReasonNotPositive},
		{"abc", 0, false, ReasonWrongType},
		{"1.2.3", 0, false, ReasonWrongType},
		{".", 0, false, ReasonWrongType},
		{"", 0, false, ReasonRequired},
		{"999999999999999999", 0, false, ReasonTooLarge},
	}
	for _, tc := range cases {
		got, err := ParseAmount(tc.in)
		if tc.ok {
			if err != nil || got != tc.out {
				t.Fatalf("%q expected %d, got %d (err=%v)", tc.in, tc.out, got, err)
			}
			continue
		}
		ve, ok := AsValidation(err)
		if !ok {
			t.Fatalf("%q expected validation error, got %v", tc.in, err)
		}
		if !ve.Has(FieldAmount, tc.reason) {
			t.Fatalf("%q expected reason %s, got %+v", tc.in, tc.reason, ve.Fields)
		}
	}
}

func TestFormatAmount(t *testing.T) {
	cases := map[int64]string{
		450:  "4.50",
		5:    "0.05",
		100:  "1.00",
		-120: "-1.20",
	}
	for in, want := range cases {
		if got := FormatAmount(in); got != want {
			t.Errorf("FormatAmount(%d) = %q, want %q", in, got, want)
		}
	}
}
