package interval

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestParseVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		want []int
	}{
		{name: "single", raw: "120", want: []int{120}},
		{name: "multi", raw: "600,1800,3600", want: []int{600, 1800, 3600}},
		{name: "spaces", raw: " 600, 1800 ,3600 ", want: []int{600, 1800, 3600}},
		{name: "order kept", raw: "3600,60", want: []int{3600, 60}},
		{name: "dedup first seen", raw: "60,120,60,30,120", want: []int{60, 120, 30}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.raw)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.raw, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Parse(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "   ", "0,60", "60,-5", "abc", "60,,120", "1.5", "60,1m", "604801", "60,10000000000", "99999999999999999999"} {
		_, err := Parse(raw)
		if err == nil {
			t.Fatalf("Parse(%q): expected error", raw)
		}
		var ce *ConfigError
		if !errors.As(err, &ce) {
			t.Fatalf("Parse(%q): error %T is not *ConfigError", raw, err)
		}
	}
}

func TestParseUpperBound(t *testing.T) {
	t.Parallel()
	got, err := Parse("604800")
	if err != nil || len(got) != 1 || got[0] != MaxSeconds {
		t.Fatalf("Parse(max) = %v, %v", got, err)
	}
	if d := Duration(MaxSeconds); d <= 0 || d != 7*24*time.Hour {
		t.Fatalf("Duration(max) = %v", d)
	}
}

func TestFormat(t *testing.T) {
	t.Parallel()
	tests := map[int]string{
		1:     "1s",
		45:    "45s",
		59:    "59s",
		60:    "1m",
		90:    "90s",
		120:   "2m",
		600:   "10m",
		1800:  "30m",
		3599:  "3599s",
		3600:  "1h",
		3601:  "3601s",
		5400:  "90m",
		7200:  "2h",
		86400: "24h",
	}
	for in, want := range tests {
		if got := Format(in); got != want {
			t.Fatalf("Format(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestFormatListAndJoin(t *testing.T) {
	t.Parallel()
	set := MustParse("600,1800,3600")
	if got := FormatList(set); got != "10m, 30m, 1h" {
		t.Fatalf("FormatList = %q", got)
	}
	if got := Join(set); got != "600,1800,3600" {
		t.Fatalf("Join = %q", got)
	}
	if !Contains(set, 1800) || Contains(set, 120) {
		t.Fatal("Contains mismatch")
	}
	if Duration(90) != 90*time.Second {
		t.Fatalf("Duration(90) = %v", Duration(90))
	}
}
