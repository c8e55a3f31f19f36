package base

import "testing"

func TestQuoteFuncs(t *testing.T) {
	cases := []struct {
		quote QuoteFunc
		in    string
		want  string
	}{
		{QuoteDouble, "name", `"name"`},
		{QuoteDouble, `we"ird`, `"we""ird"`},
		{QuoteBacktick, "name", "`name`"},
		{QuoteBacktick, "we`ird", "`we``ird`"},
		{QuoteBracket, "name", "[name]"},
		{QuoteBracket, "we]ird", "[we]]ird]"},
	}
	for _, c := range cases {
		if got := c.quote(c.in); got != c.want {
			t.Errorf("quote(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestJoinOn(t *testing.T) {
	got := JoinOn("p", "s", []string{"cui", "source"}, QuoteDouble)
	want := `p."cui" = s."cui" AND p."source" = s."source"`
	if got != want {
		t.Errorf("JoinOn = %q, want %q", got, want)
	}
}

func TestAllNull(t *testing.T) {
	got := AllNull("s", []string{"cui", "sty"}, QuoteDouble)
	want := `s."cui" IS NULL AND s."sty" IS NULL`
	if got != want {
		t.Errorf("AllNull = %q, want %q", got, want)
	}
}

func TestAnyDifferent(t *testing.T) {
	got := AnyDifferent([]string{"a", "b"}, "s.%[1]s IS NOT p.%[1]s", QuoteDouble)
	want := `(s."a" IS NOT p."a" OR s."b" IS NOT p."b")`
	if got != want {
		t.Errorf("AnyDifferent = %q, want %q", got, want)
	}
}

func TestPlaceholders(t *testing.T) {
	if got := Placeholders(3); got != "?, ?, ?" {
		t.Errorf("Placeholders(3) = %q", got)
	}
	if got := Placeholders(1); got != "?" {
		t.Errorf("Placeholders(1) = %q", got)
	}
}
