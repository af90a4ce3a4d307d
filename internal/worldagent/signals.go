// Package worldagent incrementally builds a novel's WorldStructure during
// analysis: a no-LLM local signal scan, a heuristic suffix/propagation pass
// that always runs, and a gated LLM delta for the handful of chapters where
// the heuristics alone are unlikely to be enough.
package worldagent

import (
	"regexp"
	"strings"

	"github.com/novelkg/novelkg/internal/domain/novel"
)

// SignalKind classifies a Stage A local signal.
type SignalKind string

const (
	SignalRegionDivision SignalKind = "region_division"
	SignalLayerTransition SignalKind = "layer_transition"
	SignalInstanceEntry  SignalKind = "instance_entry"
	SignalMacroLocation  SignalKind = "macro_location"
)

// Signal is one piece of evidence the local scan surfaced, bounded to a
// short evidence excerpt so it can be passed to an LLM prompt cheaply.
type Signal struct {
	Kind       SignalKind
	Confidence novel.Confidence
	Evidence   string
}

const maxEvidenceLen = 200

var (
	regionDivisionRe = regexp.MustCompile(`分为|划为`)
	layerKeywords    = map[string]novel.LayerType{
		"天宫": novel.LayerCelestial, "天庭": novel.LayerCelestial, "凌霄": novel.LayerCelestial,
		"地府": novel.LayerUnderworld, "冥界": novel.LayerUnderworld, "幽冥": novel.LayerUnderworld,
		"海底": novel.LayerUnderwater, "龙宫": novel.LayerUnderwater,
		"洞府": novel.LayerPocket, "秘境": novel.LayerInstance, "副本": novel.LayerInstance,
	}
	instanceKeywords = []string{"秘境", "副本", "试炼之地", "幻境"}
)

func clip(s string) string {
	runes := []rune(s)
	if len(runes) <= maxEvidenceLen {
		return s
	}
	return string(runes[:maxEvidenceLen])
}

// ScanText scans raw chapter text for region-division, layer-transition, and
// instance-entry cues.
func ScanText(chapterText string) []Signal {
	var signals []Signal

	if loc := regionDivisionRe.FindStringIndex(chapterText); loc != nil {
		signals = append(signals, Signal{
			Kind:       SignalRegionDivision,
			Confidence: novel.ConfidenceMedium,
			Evidence:   clip(excerptAround(chapterText, loc[0], loc[1])),
		})
	}

	for kw, layerType := range layerKeywords {
		if idx := strings.Index(chapterText, kw); idx >= 0 {
			signals = append(signals, Signal{
				Kind:       SignalLayerTransition,
				Confidence: novel.ConfidenceMedium,
				Evidence:   clip(excerptAround(chapterText, idx, idx+len(kw))) + "|" + string(layerType),
			})
		}
	}

	for _, kw := range instanceKeywords {
		if idx := strings.Index(chapterText, kw); idx >= 0 {
			signals = append(signals, Signal{
				Kind:       SignalInstanceEntry,
				Confidence: novel.ConfidenceLow,
				Evidence:   clip(excerptAround(chapterText, idx, idx+len(kw))),
			})
		}
	}

	return signals
}

func excerptAround(text string, start, end int) string {
	const pad = 40
	from := start - pad
	if from < 0 {
		from = 0
	}
	to := end + pad
	if to > len(text) {
		to = len(text)
	}
	return text[from:to]
}

// ScanFact scans a validated ChapterFact's spatial relationships and world
// declarations for signals the local text scan cannot reliably derive.
func ScanFact(fact *novel.ChapterFact) []Signal {
	var signals []Signal

	for _, decl := range fact.WorldDeclarations {
		var kind SignalKind
		switch decl.DeclarationType {
		case novel.DeclRegionDivision:
			kind = SignalRegionDivision
		case novel.DeclLayerExists:
			kind = SignalLayerTransition
		default:
			continue
		}
		signals = append(signals, Signal{
			Kind:       kind,
			Confidence: decl.Confidence,
			Evidence:   clip(decl.NarrativeEvidence),
		})
	}

	for _, loc := range fact.Locations {
		if loc.Tier == novel.TierContinent || loc.Tier == novel.TierKingdom || loc.Tier == novel.TierRegion {
			signals = append(signals, Signal{
				Kind:       SignalMacroLocation,
				Confidence: novel.ConfidenceMedium,
				Evidence:   clip(loc.Name + ": " + loc.Description),
			})
		}
	}

	return signals
}
