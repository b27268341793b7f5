package epgmatch

import (
	"sort"
	"strings"

	"github.com/voyagen/pvrguide/internal/models"
)

// Confidence assigned by each strategy. Fuzzy confidence is the blended
// similarity itself.
const (
	ConfidenceExactID   = 1.0
	ConfidenceExactName = 0.95
	ConfidenceContains  = 0.85
	ConfidenceVariant   = 0.90
	ConfidenceIcon      = 0.7

	// VariantConfidenceAlt is used by the per-channel worker path.
	VariantConfidenceAlt = 0.9
)

// Acceptance thresholds used by callers. The scorer itself never filters.
const (
	ThresholdSuggestion     = 0.5
	ThresholdBulk           = 0.6
	ThresholdWorker         = 0.7
	ThresholdHighConfidence = 0.8
)

// What a candidate was matched on.
const (
	MatchedOnEPGID = "epg_channel_id"
	MatchedOnName  = "name"
	MatchedOnIcon  = "icon"
)

// EPGChannel is one channel parsed from a guide source, valid for the
// duration of a mapping pass.
type EPGChannel struct {
	ID           string   `json:"id"`
	DisplayNames []string `json:"display_names,omitempty"`
	Icon         string   `json:"icon,omitempty"`
}

// Name returns the first display name, or the id when there is none.
func (c EPGChannel) Name() string {
	for _, n := range c.DisplayNames {
		if strings.TrimSpace(n) != "" {
			return n
		}
	}
	return c.ID
}

// ChannelInput is the immutable view of a playlist channel the scorer needs.
type ChannelInput struct {
	ID           int64
	Name         string
	EPGChannelID string
	LogoURL      string
}

// InputFromChannel snapshots the fields of ch used for matching.
func InputFromChannel(ch *models.Channel) ChannelInput {
	in := ChannelInput{ID: ch.ID, Name: ch.Name}
	if ch.EPGChannelID != nil {
		in.EPGChannelID = strings.TrimSpace(*ch.EPGChannelID)
	}
	if ch.LogoURL != nil {
		in.LogoURL = *ch.LogoURL
	}
	return in
}

// Candidate is one proposal produced by a strategy.
type Candidate struct {
	EPGID      string             `json:"epg_channel_id"`
	EPGName    string             `json:"epg_channel_name"`
	Confidence float64            `json:"confidence"`
	Method     models.MatchMethod `json:"method"`
	MatchedOn  string             `json:"matched_on"`
}

// Scorer ranks EPG candidates for a channel.
type Scorer struct {
	variantConfidence float64
}

// NewScorer returns the scorer used by bulk auto-mapping.
func NewScorer() *Scorer {
	return &Scorer{variantConfidence: ConfidenceVariant}
}

// NewWorkerScorer returns the scorer used by the per-channel worker path.
func NewWorkerScorer() *Scorer {
	return &Scorer{variantConfidence: VariantConfidenceAlt}
}

// FindBestMatch returns the highest-confidence proposal across all strategies
// and all candidates. On equal confidence the first proposal evaluated wins.
// ok is false only when candidates is empty.
func (s *Scorer) FindBestMatch(ch ChannelInput, candidates []EPGChannel) (Candidate, bool) {
	var best Candidate
	found := false
	s.evaluate(ch, candidates, func(c Candidate) bool {
		if !found || c.Confidence > best.Confidence {
			best, found = c, true
		}
		// Nothing outranks an exact id match.
		return c.Method == models.MatchExact && c.MatchedOn == MatchedOnEPGID
	})
	return best, found
}

// Rank returns every proposal sorted by confidence, highest first. Equal
// confidences keep evaluation order.
func (s *Scorer) Rank(ch ChannelInput, candidates []EPGChannel) []Candidate {
	var out []Candidate
	s.evaluate(ch, candidates, func(c Candidate) bool {
		out = append(out, c)
		return false
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}

// evaluate runs the strategies in priority order. Exact id matches are
// checked across all candidates first; emit returns true to stop early.
func (s *Scorer) evaluate(ch ChannelInput, candidates []EPGChannel, emit func(Candidate) bool) {
	if ch.EPGChannelID != "" {
		for _, epg := range candidates {
			if epg.ID == ch.EPGChannelID {
				if emit(Candidate{
					EPGID:      epg.ID,
					EPGName:    epg.Name(),
					Confidence: ConfidenceExactID,
					Method:     models.MatchExact,
					MatchedOn:  MatchedOnEPGID,
				}) {
					return
				}
			}
		}
	}

	chNorm := Normalize(ch.Name)
	chSimple := simplify(ch.Name)
	for _, epg := range candidates {
		names := epg.DisplayNames
		if len(names) == 0 {
			names = []string{epg.ID}
		}
		for _, name := range names {
			for _, c := range s.scoreName(chNorm, chSimple, name) {
				c.EPGID = epg.ID
				if emit(c) {
					return
				}
			}
		}
		if ch.LogoURL != "" && epg.Icon != "" && IconMatch(ch.LogoURL, epg.Icon) {
			if emit(Candidate{
				EPGID:      epg.ID,
				EPGName:    epg.Name(),
				Confidence: ConfidenceIcon,
				Method:     models.MatchIcon,
				MatchedOn:  MatchedOnIcon,
			}) {
				return
			}
		}
	}
}

// scoreName runs the name strategies for one display name.
func (s *Scorer) scoreName(chNorm, chSimple, displayName string) []Candidate {
	epgNorm := Normalize(displayName)
	mk := func(conf float64, m models.MatchMethod) Candidate {
		return Candidate{EPGName: displayName, Confidence: clamp01(conf), Method: m, MatchedOn: MatchedOnName}
	}
	if chNorm != "" && chNorm == epgNorm {
		return []Candidate{mk(ConfidenceExactName, models.MatchExact)}
	}
	out := []Candidate{mk(Blend(chNorm, epgNorm), models.MatchFuzzy)}
	if chNorm != "" && epgNorm != "" &&
		(strings.Contains(epgNorm, chNorm) || strings.Contains(chNorm, epgNorm)) {
		out = append(out, mk(ConfidenceContains, models.MatchContains))
	}
	if IsVariant(chNorm, epgNorm) || IsVariant(chSimple, simplify(displayName)) {
		out = append(out, mk(s.variantConfidence, models.MatchVariant))
	}
	return out
}
