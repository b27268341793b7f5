package fetcher

import (
	"bufio"
	"io"
	"regexp"
	"strings"
)

var (
	reTvgName     = regexp.MustCompile(`tvg-name="([^"]*)"`)
	reTvgID       = regexp.MustCompile(`tvg-id="([^"]*)"`)
	reTvgLogo     = regexp.MustCompile(`tvg-logo="([^"]*)"`)
	reTvgChno     = regexp.MustCompile(`tvg-chno="([^"]*)"`)
	reTvgCountry  = regexp.MustCompile(`tvg-country="([^"]*)"`)
	reTvgLanguage = regexp.MustCompile(`tvg-language="([^"]*)"`)
	reGroup       = regexp.MustCompile(`group-title="([^"]*)"`)
	reCommaName   = regexp.MustCompile(`,([^\n\r\t]*)$`)

	reHTTPOrigin    = regexp.MustCompile(`http-origin=(.+)`)
	reHTTPReferrer  = regexp.MustCompile(`http-referrer=(.+)`)
	reHTTPUserAgent = regexp.MustCompile(`http-user-agent=(.+)`)
)

// ParsedChannel is one playlist entry as read from an M3U file. ExternalID
// is the provider's tvg-id and may be empty.
type ParsedChannel struct {
	ExternalID   string
	Name         string
	TvgName      string
	Number       string
	LogoURL      string
	Group        string
	Country      string
	Language     string
	StreamURL    string
	EPGChannelID string
	Headers      *StreamHeaders
}

// StreamHeaders are the per-stream HTTP options carried by #EXTVLCOPT lines.
type StreamHeaders struct {
	Origin    string
	Referrer  string
	UserAgent string
}

// ParseM3U reads an M3U playlist from r. Entries without a URL line or
// without any usable name are skipped.
func ParseM3U(r io.Reader) ([]ParsedChannel, error) {
	var entries []ParsedChannel
	scanner := bufio.NewScanner(r)
	// Some providers emit very long EXTINF lines.
	const maxSize = 1024 * 1024
	scanner.Buffer(make([]byte, 0, 64*1024), maxSize)

	var (
		extinf  string
		headers *StreamHeaders
	)
	for scanner.Scan() {
		line := scanner.Text()
		upper := strings.ToUpper(line)
		trimmed := strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(upper, "#EXTINF"):
			extinf = line
			headers = nil
		case strings.HasPrefix(upper, "#EXTVLCOPT"):
			if headers == nil {
				headers = &StreamHeaders{}
			}
			if s := matchFirst(reHTTPOrigin, line); s != "" {
				headers.Origin = s
			}
			if s := matchFirst(reHTTPReferrer, line); s != "" {
				headers.Referrer = s
			}
			if s := matchFirst(reHTTPUserAgent, line); s != "" {
				headers.UserAgent = s
			}
		case trimmed == "" || strings.HasPrefix(trimmed, "#"):
		default:
			if extinf == "" {
				continue
			}
			ch, ok := parseEXTINF(extinf)
			extinf = ""
			if !ok {
				headers = nil
				continue
			}
			ch.StreamURL = trimmed
			if headers != nil && *headers != (StreamHeaders{}) {
				ch.Headers = headers
			}
			headers = nil
			entries = append(entries, ch)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func parseEXTINF(extinf string) (ParsedChannel, bool) {
	ch := ParsedChannel{
		ExternalID: matchFirst(reTvgID, extinf),
		TvgName:    matchFirst(reTvgName, extinf),
		Number:     matchFirst(reTvgChno, extinf),
		LogoURL:    matchFirst(reTvgLogo, extinf),
		Group:      matchFirst(reGroup, extinf),
		Country:    matchFirst(reTvgCountry, extinf),
		Language:   matchFirst(reTvgLanguage, extinf),
	}
	ch.EPGChannelID = ch.ExternalID
	ch.Name = channelName(extinf, ch)
	return ch, ch.Name != ""
}

// channelName prefers the display title after the last attribute, then
// tvg-name, then tvg-id.
func channelName(extinf string, ch ParsedChannel) string {
	if i := strings.LastIndex(extinf, `"`); i >= 0 {
		if n := matchFirst(reCommaName, extinf[i:]); n != "" {
			return n
		}
	} else if n := matchFirst(reCommaName, extinf); n != "" {
		return n
	}
	if ch.TvgName != "" {
		return ch.TvgName
	}
	return ch.ExternalID
}

func matchFirst(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return ""
	}
	return strings.TrimSpace(m[1])
}
