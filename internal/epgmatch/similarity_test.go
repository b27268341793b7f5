package epgmatch

import (
	"math"
	"testing"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestRatio(t *testing.T) {
	if got := Ratio("abc", "abc"); !approx(got, 1) {
		t.Errorf("Ratio identical = %v, want 1", got)
	}
	if got := Ratio("", ""); got != 0 {
		t.Errorf("Ratio empty = %v, want 0", got)
	}
	if got := Ratio("abcd", "abce"); !approx(got, 0.75) {
		t.Errorf("Ratio one substitution = %v, want 0.75", got)
	}
}

func TestPartialRatio(t *testing.T) {
	if got := PartialRatio("espn", "espn news"); !approx(got, 1) {
		t.Errorf("PartialRatio substring = %v, want 1", got)
	}
	if got := PartialRatio("", "abc"); got != 0 {
		t.Errorf("PartialRatio empty = %v, want 0", got)
	}
}

func TestTokenSortRatio(t *testing.T) {
	if got := TokenSortRatio("news bbc", "bbc news"); !approx(got, 1) {
		t.Errorf("TokenSortRatio reordered = %v, want 1", got)
	}
}

func TestBlendBounds(t *testing.T) {
	pairs := [][2]string{{"a", "b"}, {"espn", "espn"}, {"", "x"}, {"sky sports", "sports sky"}}
	for _, p := range pairs {
		got := Blend(p[0], p[1])
		if got < 0 || got > 1 {
			t.Errorf("Blend(%q, %q) = %v out of [0,1]", p[0], p[1], got)
		}
	}
	if got := Blend("espn", "espn"); !approx(got, 1) {
		t.Errorf("Blend identical = %v, want 1", got)
	}
}

func TestIsVariant(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"bbc1", "bbc one", true},
		{"bbc one", "bbc1", true},
		{"espn hd", "espn", true},
		{"disney+", "disney plus", true},
		{"a & e", "a and e", true},
		{"rocky ii", "rocky 2", true},
		{"cnn", "fox", false},
		{"cnn", "cnn", false},
	}
	for _, tt := range tests {
		if got := IsVariant(tt.a, tt.b); got != tt.want {
			t.Errorf("IsVariant(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestIconMatch(t *testing.T) {
	if !IconMatch("http://a/b/CNN.png", "https://c/logos/cnn_hd.jpg") {
		t.Error("expected cnn.png to match cnn_hd.jpg")
	}
	if IconMatch("http://a/b/cnn.png", "") {
		t.Error("empty icon must not match")
	}
	if IconMatch("http://a/fox.png", "http://a/bbc.png") {
		t.Error("unrelated icons must not match")
	}
}
