package fetcher

import (
	"strings"
	"testing"
)

func TestParseM3U(t *testing.T) {
	const playlist = `#EXTM3U url-tvg="http://guide/epg.xml"
#EXTINF:-1 tvg-id="bbc1.uk" tvg-name="BBC 1" tvg-logo="http://logos/bbc1.png" tvg-chno="101" tvg-country="UK" tvg-language="English" group-title="News",BBC One HD
#EXTVLCOPT:http-user-agent=Kodi/20
#EXTVLCOPT:http-referrer=http://ref/
http://streams/bbc1.m3u8

#EXTINF:-1 group-title="Movies",Action Channel
http://streams/action
#EXTINF:-1,
http://streams/nameless
#EXTINF:-1 tvg-id="cnn.us",
http://streams/cnn
#EXTINF:-1,Orphan without url
`
	got, err := ParseM3U(strings.NewReader(playlist))
	if err != nil {
		t.Fatalf("ParseM3U: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d entries, want 3: %+v", len(got), got)
	}

	bbc := got[0]
	if bbc.ExternalID != "bbc1.uk" || bbc.Name != "BBC One HD" || bbc.TvgName != "BBC 1" {
		t.Errorf("bbc ids/names = %+v", bbc)
	}
	if bbc.Number != "101" || bbc.Country != "UK" || bbc.Language != "English" || bbc.Group != "News" {
		t.Errorf("bbc attributes = %+v", bbc)
	}
	if bbc.LogoURL != "http://logos/bbc1.png" || bbc.StreamURL != "http://streams/bbc1.m3u8" || bbc.EPGChannelID != "bbc1.uk" {
		t.Errorf("bbc urls = %+v", bbc)
	}
	if bbc.Headers == nil || bbc.Headers.UserAgent != "Kodi/20" || bbc.Headers.Referrer != "http://ref/" {
		t.Errorf("bbc headers = %+v", bbc.Headers)
	}

	action := got[1]
	if action.ExternalID != "" || action.Name != "Action Channel" || action.Group != "Movies" || action.Headers != nil {
		t.Errorf("action = %+v", action)
	}

	cnn := got[2]
	if cnn.Name != "cnn.us" || cnn.StreamURL != "http://streams/cnn" {
		t.Errorf("cnn falls back to tvg-id for its name, got %+v", cnn)
	}
}

func TestParseM3UEmpty(t *testing.T) {
	got, err := ParseM3U(strings.NewReader("#EXTM3U\n"))
	if err != nil || len(got) != 0 {
		t.Fatalf("got %v, %v", got, err)
	}
}
