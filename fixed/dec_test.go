package fixed

import (
	"encoding/json"
	"testing"
)

func TestParseAndString(t *testing.T) {
	cases := map[string]string{
		"0":                    "0",
		"1":                    "1",
		"-1":                   "-1",
		"1.5":                  "1.5",
		"0.000000000000000001": "0.000000000000000001",
		"100.300000":           "100.3",
		"-0.25":                "-0.25",
		".5":                   "0.5",
	}
	for input, want := range cases {
		d, err := Parse(input)
		if err != nil {
			t.Fatalf("parse %q: %v", input, err)
		}
		if got := d.String(); got != want {
			t.Fatalf("parse %q: got %q want %q", input, got, want)
		}
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, input := range []string{"", ".", "1.2.3", "abc", "1.0000000000000000001"} {
		if _, err := Parse(input); err == nil {
			t.Fatalf("parse %q: expected error", input)
		}
	}
}

func TestArithmetic(t *testing.T) {
	a := MustParse("100")
	b := MustParse("0.3")
	if got := a.Sub(b).String(); got != "99.7" {
		t.Fatalf("sub: got %s", got)
	}
	if got := a.Add(b).String(); got != "100.3" {
		t.Fatalf("add: got %s", got)
	}
	if got := MustParse("1.5").Mul(MustParse("2")).String(); got != "3" {
		t.Fatalf("mul: got %s", got)
	}
	if got := MustParse("1").Div(MustParse("3")).String(); got != "0.333333333333333333" {
		t.Fatalf("div: got %s", got)
	}
}

func TestDivRoundsHalfAwayFromZero(t *testing.T) {
	// 1/2 at the final digit rounds up.
	got := MustParse("0.000000000000000001").DivInt(2)
	if got.String() != "0.000000000000000001" {
		t.Fatalf("round up: got %s", got)
	}
	neg := MustParse("-0.000000000000000001").DivInt(2)
	if neg.String() != "-0.000000000000000001" {
		t.Fatalf("round away from zero: got %s", neg)
	}
}

func TestMulBps(t *testing.T) {
	fee := MustParse("100").MulBps(30)
	if fee.String() != "0.3" {
		t.Fatalf("30 bps of 100: got %s", fee)
	}
	if got := MustParse("100").MulBps(0); !got.IsZero() {
		t.Fatalf("0 bps: got %s", got)
	}
}

func TestSatsConversions(t *testing.T) {
	d := FromSats(5_000)
	if got := d.String(); got != "0.00005" {
		t.Fatalf("from sats: got %s", got)
	}
	if got := d.Sats(); got != 5_000 {
		t.Fatalf("to sats: got %d", got)
	}
	if got := FromInt64(1).Sats(); got != SatsPerUnit {
		t.Fatalf("one unit: got %d", got)
	}
}

func TestRoundInt64(t *testing.T) {
	if got := MustParse("2.5").RoundInt64(); got != 3 {
		t.Fatalf("2.5: got %d", got)
	}
	if got := MustParse("-2.5").RoundInt64(); got != -3 {
		t.Fatalf("-2.5: got %d", got)
	}
	if got := MustParse("2.4").RoundInt64(); got != 2 {
		t.Fatalf("2.4: got %d", got)
	}
}

func TestZeroValueUsable(t *testing.T) {
	var d Dec
	if !d.IsZero() {
		t.Fatal("zero value should be zero")
	}
	if got := d.Add(FromInt64(2)).String(); got != "2" {
		t.Fatalf("zero add: got %s", got)
	}
}

func TestScanRoundTrip(t *testing.T) {
	var d Dec
	if err := d.Scan("12.75"); err != nil {
		t.Fatalf("scan string: %v", err)
	}
	if d.String() != "12.75" {
		t.Fatalf("scan string: got %s", d)
	}
	if err := d.Scan([]byte("-3.5")); err != nil {
		t.Fatalf("scan bytes: %v", err)
	}
	if d.String() != "-3.5" {
		t.Fatalf("scan bytes: got %s", d)
	}
	value, err := MustParse("0.1").Value()
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if value != "0.1" {
		t.Fatalf("value: got %v", value)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	payload, err := json.Marshal(MustParse("90.661089"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(payload) != `"90.661089"` {
		t.Fatalf("marshal: got %s", payload)
	}
	var d Dec
	if err := json.Unmarshal([]byte(`"12.75"`), &d); err != nil {
		t.Fatalf("unmarshal string: %v", err)
	}
	if d.String() != "12.75" {
		t.Fatalf("unmarshal string: got %s", d)
	}
	if err := json.Unmarshal([]byte(`3.5`), &d); err != nil {
		t.Fatalf("unmarshal number: %v", err)
	}
	if d.String() != "3.5" {
		t.Fatalf("unmarshal number: got %s", d)
	}
	if err := json.Unmarshal([]byte(`"not a number"`), &d); err == nil {
		t.Fatal("malformed input should fail")
	}
}
