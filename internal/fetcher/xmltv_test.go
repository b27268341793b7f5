package fetcher

import (
	"bytes"
	"compress/gzip"
	"strings"
	"testing"
	"time"
)

const sampleGuide = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE tv SYSTEM "xmltv.dtd">
<tv generator-info-name="test">
  <channel id="bbc1.uk">
    <display-name>BBC One</display-name>
    <display-name>BBC 1</display-name>
    <icon src="http://logos/bbc1.png"/>
  </channel>
  <channel id="">
    <display-name>No id</display-name>
  </channel>
  <channel id="cnn.us">
    <display-name> </display-name>
  </channel>
  <programme start="20240101120000 +0100" stop="20240101130000 +0100" channel="bbc1.uk">
    <title lang="en">News at Noon</title>
    <desc>Headlines.</desc>
  </programme>
  <programme start="20240101130000" channel="bbc1.uk">
    <title>Open ended</title>
  </programme>
  <programme start="garbage" stop="20240101130000" channel="bbc1.uk">
    <title>Bad start</title>
  </programme>
</tv>`

func TestParseXMLTV(t *testing.T) {
	guide, err := ParseXMLTV(strings.NewReader(sampleGuide))
	if err != nil {
		t.Fatalf("ParseXMLTV: %v", err)
	}
	if len(guide.Channels) != 2 {
		t.Fatalf("channels = %+v", guide.Channels)
	}
	bbc := guide.Channels[0]
	if bbc.ID != "bbc1.uk" || len(bbc.DisplayNames) != 2 || bbc.Icon != "http://logos/bbc1.png" {
		t.Errorf("bbc = %+v", bbc)
	}
	if cnn := guide.Channels[1]; cnn.Name() != "cnn.us" {
		t.Errorf("cnn name falls back to id, got %q", cnn.Name())
	}
	if _, ok := guide.ChannelIDs()["cnn.us"]; !ok {
		t.Error("ChannelIDs missing cnn.us")
	}

	if len(guide.Programs) != 2 {
		t.Fatalf("programs = %+v", guide.Programs)
	}
	p := guide.Programs[0]
	wantStart := time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)
	if !p.Start.Equal(wantStart) || p.End.Sub(p.Start) != time.Hour || p.Title != "News at Noon" || p.Description != "Headlines." {
		t.Errorf("program = %+v", p)
	}
	if open := guide.Programs[1]; open.End.Sub(open.Start) != time.Hour {
		t.Errorf("missing stop defaults to one hour, got %+v", open)
	}
}

func TestParseXMLTVGzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write([]byte(sampleGuide))
	zw.Close()

	guide, err := ParseXMLTV(&buf)
	if err != nil {
		t.Fatalf("ParseXMLTV: %v", err)
	}
	if len(guide.Channels) != 2 {
		t.Fatalf("channels = %d", len(guide.Channels))
	}
}

func TestParseXMLTVLatin1(t *testing.T) {
	doc := "<?xml version=\"1.0\" encoding=\"ISO-8859-1\"?><tv><channel id=\"a\"><display-name>T\xe9l\xe9</display-name></channel></tv>"
	guide, err := ParseXMLTV(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("ParseXMLTV: %v", err)
	}
	if got := guide.Channels[0].DisplayNames[0]; got != "Télé" {
		t.Fatalf("display name = %q", got)
	}
}

func TestParseXMLTVRejectsNonGuide(t *testing.T) {
	_, err := ParseXMLTV(strings.NewReader("<html><body>nope</body></html>"))
	if KindOf(err) != KindInvalidFormat {
		t.Fatalf("err = %v, want invalid_format", err)
	}
}
