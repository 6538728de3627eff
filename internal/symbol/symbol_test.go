package symbol

import "testing"

func TestNormalizeTruncatesAtFirstDot(t *testing.T) {
	cases := map[string]string{
		"AAPL":      "AAPL",
		"BRK.A":     "BRK",
		"BRK.B":     "BRK",
		"RY.TO.X":   "RY",
		" MSFT ":    "MSFT",
		".HIDDEN":   "",
		"aapl":      "aapl", // case-sensitive keys
		"BINANCE:X": "BINANCE:X",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Fatalf("Normalize(%q) got %q want %q", in, got, want)
		}
	}
}

func TestKeepSuffix(t *testing.T) {
	n := Normalizer{KeepSuffix: true}
	if got := n.Normalize(" BRK.A "); got != "BRK.A" {
		t.Fatalf("got %q want BRK.A", got)
	}
	if n.Normalize("BRK.A") == n.Normalize("BRK.B") {
		t.Fatal("share classes should stay distinct with KeepSuffix")
	}
}
