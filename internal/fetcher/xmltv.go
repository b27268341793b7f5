package fetcher

import (
	"bufio"
	"encoding/xml"
	"errors"
	"io"
	"strings"
	"time"

	"golang.org/x/text/encoding/ianaindex"

	"github.com/voyagen/pvrguide/internal/epgmatch"
)

// ParsedProgram is one <programme> element.
type ParsedProgram struct {
	ChannelID   string
	Title       string
	Description string
	Start       time.Time
	End         time.Time
}

// XMLTV is the content of a guide file.
type XMLTV struct {
	Channels []epgmatch.EPGChannel
	Programs []ParsedProgram
}

// ChannelIDs returns the set of channel ids declared by the guide.
func (x *XMLTV) ChannelIDs() map[string]struct{} {
	ids := make(map[string]struct{}, len(x.Channels))
	for _, c := range x.Channels {
		ids[c.ID] = struct{}{}
	}
	return ids
}

var xmltvTimeLayouts = []string{"20060102150405 -0700", "20060102150405"}

// ParseXMLTV reads channels and programmes from an XMLTV document. Gzip
// compressed input is accepted.
func ParseXMLTV(r io.Reader) (*XMLTV, error) {
	in, err := maybeGzip(bufio.NewReader(r))
	if err != nil {
		return nil, newError("ParseXMLTV", "", KindInvalidFormat, err)
	}
	dec := xml.NewDecoder(in)
	dec.Strict = false
	dec.CharsetReader = charsetReader

	type icon struct {
		Src string `xml:"src,attr"`
	}
	type chNode struct {
		ID           string `xml:"id,attr"`
		DisplayNames []xmlText `xml:"display-name"`
		Icons        []icon `xml:"icon"`
	}
	type progNode struct {
		Channel string `xml:"channel,attr"`
		Start   string `xml:"start,attr"`
		Stop    string `xml:"stop,attr"`
		Titles  []xmlText `xml:"title"`
		Descs   []xmlText `xml:"desc"`
	}

	out := &XMLTV{}
	sawRoot := false
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, newError("ParseXMLTV", "", KindInvalidFormat, err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "tv":
			sawRoot = true
		case "channel":
			var node chNode
			if err := dec.DecodeElement(&node, &se); err != nil {
				return nil, newError("ParseXMLTV", "", KindInvalidFormat, err)
			}
			id := strings.TrimSpace(node.ID)
			if id == "" {
				continue
			}
			ch := epgmatch.EPGChannel{ID: id}
			for _, dn := range node.DisplayNames {
				if name := strings.TrimSpace(dn.Text); name != "" {
					ch.DisplayNames = append(ch.DisplayNames, name)
				}
			}
			for _, ic := range node.Icons {
				if src := strings.TrimSpace(ic.Src); src != "" {
					ch.Icon = src
					break
				}
			}
			out.Channels = append(out.Channels, ch)
		case "programme":
			var node progNode
			if err := dec.DecodeElement(&node, &se); err != nil {
				return nil, newError("ParseXMLTV", "", KindInvalidFormat, err)
			}
			p, ok := programOf(node.Channel, node.Start, node.Stop, firstText(node.Titles), firstText(node.Descs))
			if ok {
				out.Programs = append(out.Programs, p)
			}
		}
	}
	if !sawRoot {
		return nil, newError("ParseXMLTV", "", KindInvalidFormat, errors.New("no <tv> element"))
	}
	return out, nil
}

type xmlText struct {
	Text string `xml:",chardata"`
}

func firstText(items []xmlText) string {
	for _, it := range items {
		if s := strings.TrimSpace(it.Text); s != "" {
			return s
		}
	}
	return ""
}

func programOf(channel, start, stop, title, desc string) (ParsedProgram, bool) {
	channel = strings.TrimSpace(channel)
	if channel == "" || title == "" {
		return ParsedProgram{}, false
	}
	st, ok := parseXMLTVTime(start)
	if !ok {
		return ParsedProgram{}, false
	}
	en, ok := parseXMLTVTime(stop)
	if !ok || !en.After(st) {
		en = st.Add(time.Hour)
	}
	return ParsedProgram{ChannelID: channel, Title: title, Description: desc, Start: st, End: en}, true
}

// parseXMLTVTime parses "20060102150405 +0000"; a missing offset means UTC.
func parseXMLTVTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range xmltvTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// charsetReader handles guides declared in a non-UTF-8 encoding such as
// ISO-8859-1.
func charsetReader(label string, input io.Reader) (io.Reader, error) {
	enc, err := ianaindex.IANA.Encoding(label)
	if err != nil {
		return nil, err
	}
	if enc == nil {
		return input, nil
	}
	return enc.NewDecoder().Reader(input), nil
}
