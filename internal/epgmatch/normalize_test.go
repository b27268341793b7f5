package epgmatch

import (
	"strings"
	"testing"
	"time"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ESPN HD", "espn"},
		{"espn", "espn"},
		{"The History Channel", "history"},
		{"BBC One (UK)", "bbc one"},
		{"CNN [backup]", "cnn"},
		{"Channel+", "channel"},
		{"Channel +", "channel"},
		{"Sky Sports 1 HD", "sky sports"},
		{"Télé Québec", "tele quebec"},
		{"  Nat   Geo  {east} ", "nat geo"},
		{"Fox - HD-", "fox"},
		{"Channel 5 HD +", "channel"},
		{"Eurosport 2 TV", "eurosport"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"ESPN HD", "Fox - HD-", "The The Channel 4", "Disney+ 4K", "A&E (East) [HD]",
		"Sky Cinema Premiere HD 2", "BBC 1 UHD+", "CH", "123", "TV5 Monde",
	}
	for _, in := range inputs {
		once := Normalize(in)
		if twice := Normalize(once); twice != once {
			t.Errorf("Normalize not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestNormalizeCaseInsensitive(t *testing.T) {
	if Normalize("ESPN HD") != Normalize("espn") {
		t.Fatalf("expected ESPN HD and espn to normalize identically")
	}
	if Normalize("bbc NEWS") != Normalize("BBC news") {
		t.Fatalf("expected case-insensitive normalization")
	}
}

func TestNormalizeLongTrailingRun(t *testing.T) {
	tests := []string{
		"x" + strings.Repeat(" hd", 20000),
		"x" + strings.Repeat(" 1 tv +", 10000),
		"x" + strings.Repeat(" hd.", 10000),
	}
	for _, in := range tests {
		start := time.Now()
		if got := Normalize(in); got != "x" {
			t.Errorf("Normalize(%d bytes) = %.20q, want \"x\"", len(in), got)
		}
		if d := time.Since(start); d > 2*time.Second {
			t.Errorf("Normalize(%d bytes) took %s", len(in), d)
		}
	}
}
