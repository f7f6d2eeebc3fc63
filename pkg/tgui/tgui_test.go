package tgui

import "testing"

func TestThousands(t *testing.T) {
	cases := map[int]string{0: "0", 999: "999", 1000: "1,000", 25000: "25,000", 1234567: "1,234,567", -4321: "-4,321"}
	for in, want := range cases {
		if got := Thousands(in); got != want {
			t.Fatalf("Thousands(%d)=%q, want %q", in, got, want)
		}
	}
}

func TestClock(t *testing.T) {
	cases := map[int]string{0: "unlimited", 180: "3:00", 65: "1:05", 10: "0:10"}
	for in, want := range cases {
		if got := Clock(in); got != want {
			t.Fatalf("Clock(%d)=%q, want %q", in, got, want)
		}
	}
}

func TestTruncRunes(t *testing.T) {
	if got := TruncRunes("héllo wörld", 5); got != "héll…" {
		t.Fatalf("got %q", got)
	}
	if got := TruncRunes("short", 10); got != "short" {
		t.Fatalf("got %q", got)
	}
}

func TestDocEscapes(t *testing.T) {
	var d Doc
	d.Line(B("Top <Players>")).Blank().Blank().Line(Link("a&b", "https://x.test/?q=1&r=2"))
	want := "<b>Top &lt;Players&gt;</b>\n\n<a href=\"https://x.test/?q=1&amp;r=2\">a&amp;b</a>"
	if got := d.String(); got != want {
		t.Fatalf("got %q\nwant %q", got, want)
	}
}
