// Package validate enforces hard rules on a freshly extracted ChapterFact
// before it is persisted: dropping noise (generic place names, malformed
// person names, unknown enum values) and renaming homonym-prone building
// names with their parent for disambiguation, rewriting every cross-reference
// to the renamed name consistently.
package validate

import (
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/novelkg/novelkg/internal/domain/novel"
)

var logger = slog.Default().With("component", "validator")

// genericLocationSuffixes are single-character Chinese place generics that
// cannot stand alone as a location name.
var genericLocationSuffixes = map[string]bool{
	"山": true, "河": true, "城": true, "村": true, "镇": true, "洞": true,
	"府": true, "宫": true, "殿": true, "路": true, "道": true, "门": true,
	"院": true, "楼": true, "塔": true, "桥": true, "湖": true, "海": true,
	"江": true, "谷": true, "林": true, "洲": true, "岛": true, "台": true,
	"亭": true, "堂": true, "斋": true, "庙": true, "祠": true, "关": true,
	"寨": true, "堡": true, "崖": true, "峰": true, "岭": true, "坡": true,
	"潭": true, "泉": true, "井": true, "塘": true, "田": true, "园": true,
	"坊": true, "巷": true, "街": true, "州": true, "郡": true, "县": true,
}

// genericSizeModifiers prefix a generic noun to form a purely descriptive
// (non-proper) name, e.g. "小城", "石屋".
var genericSizeModifiers = map[string]bool{
	"大": true, "小": true, "老": true, "新": true, "古": true, "破": true,
	"石": true, "木": true, "土": true,
}

// homonymProneNames are generic building names that recur across countless
// unrelated locations in a novel and must be disambiguated by parent when
// one is known.
var homonymProneNames = map[string]bool{
	"夹道": true, "后门": true, "上房": true, "正门": true, "后院": true,
	"偏殿": true, "厢房": true, "前厅": true, "耳房": true, "侧门": true,
}

// plainTitleWords are generic role/title words that are not themselves
// person names unless combined with a surname.
var plainTitleWords = map[string]bool{
	"堂主": true, "长老": true, "掌门": true, "护法": true, "弟子": true,
	"师兄": true, "师姐": true, "师父": true, "师叔": true, "师伯": true,
	"管家": true, "店小二": true, "大师": true, "前辈": true,
}

var (
	moujiaRe     = regexp.MustCompile(`^某[一二三四五六七八几]?[个座处]?`)
	possessiveDe = "的"
)

// IsGenericLocationName exports the generic-name filter for callers outside
// this package (the pre-scanner scores candidate surface forms with it so a
// bare generic noun never outranks a real proper name).
func IsGenericLocationName(name string) bool {
	return isGenericLocationName(name)
}

// isGenericLocationName reports whether name fails the generic-name filter:
// a bare single-character generic, a size-modifier + generic-noun pair, a
// "某..." indefinite reference, anything containing the possessive particle
// "的", or anything long enough to read as narrative description rather than
// a proper name.
func isGenericLocationName(name string) bool {
	runeLen := utf8.RuneCountInString(name)

	if runeLen == 1 && genericLocationSuffixes[name] {
		return true
	}
	if strings.Contains(name, possessiveDe) {
		return true
	}
	if moujiaRe.MatchString(name) {
		return true
	}
	if runeLen > 7 {
		return true
	}
	if runeLen == 2 {
		runes := []rune(name)
		prefix := string(runes[0])
		suffix := string(runes[1])
		if genericSizeModifiers[prefix] && genericLocationSuffixes[suffix] {
			return true
		}
	}
	return false
}

// hasNonGenericProperPortion reports whether name carries a proper (non-
// generic) portion beyond a bare generic suffix, required for a location to
// survive without disambiguation context.
func hasNonGenericProperPortion(name string) bool {
	runeLen := utf8.RuneCountInString(name)
	if runeLen <= 1 {
		return false
	}
	runes := []rune(name)
	lastChar := string(runes[runeLen-1])
	if runeLen == 2 && genericLocationSuffixes[lastChar] {
		prefix := string(runes[0])
		if genericSizeModifiers[prefix] {
			return false
		}
	}
	return true
}

// isValidPersonName enforces the 2-10 character length rule and drops plain
// title words used bare (no surname attached).
func isValidPersonName(name string) bool {
	runeLen := utf8.RuneCountInString(name)
	if runeLen < 2 || runeLen > 10 {
		return false
	}
	if plainTitleWords[name] {
		return false
	}
	return true
}

func clampTier(t novel.LocationTier) novel.LocationTier {
	switch t {
	case novel.TierWorld, novel.TierContinent, novel.TierKingdom, novel.TierRegion,
		novel.TierCity, novel.TierSite, novel.TierBuilding, novel.TierRoom:
		return t
	default:
		return novel.TierSite
	}
}

func clampRole(r novel.LocationRole) novel.LocationRole {
	switch r {
	case novel.RoleSetting, novel.RoleReferenced, novel.RoleOrigin:
		return r
	default:
		return novel.RoleReferenced
	}
}

func clampConfidence(c novel.Confidence) novel.Confidence {
	switch c {
	case novel.ConfidenceHigh, novel.ConfidenceMedium, novel.ConfidenceLow:
		return c
	default:
		return novel.ConfidenceLow
	}
}

func clampImportance(i novel.EventImportance) novel.EventImportance {
	switch i {
	case novel.ImportanceHigh, novel.ImportanceMedium, novel.ImportanceLow:
		return i
	default:
		return novel.ImportanceMedium
	}
}

// Validate enforces all hard rules on raw, dropping individual bad items
// and renaming homonym-prone building names in place. It returns
// SchemaInvalid only when the top-level shape is unusable; any other
// problem is handled by dropping or clamping the offending item.
func Validate(raw *novel.ChapterFact) (*novel.ChapterFact, error) {
	if raw == nil {
		return nil, &SchemaInvalid{Reason: "nil fact"}
	}
	if raw.NovelID == "" {
		return nil, &SchemaInvalid{NovelID: raw.NovelID, ChapterNum: raw.ChapterNum, Reason: "missing novel_id"}
	}
	if raw.ChapterNum <= 0 {
		return nil, &SchemaInvalid{NovelID: raw.NovelID, ChapterNum: raw.ChapterNum, Reason: "chapter_num must be positive"}
	}

	renames := validateLocations(raw)
	rewriteCrossReferences(raw, renames)
	validateCharacters(raw)
	validateRelationships(raw)
	validateEvents(raw)

	return raw, nil
}

// validateLocations applies the generic-name filter, morphological
// requirement, and disambiguation renaming, returning an old-name -> new-name
// map for any location renamed via its parent.
func validateLocations(fact *novel.ChapterFact) map[string]string {
	renames := make(map[string]string)
	kept := make([]novel.LocationFact, 0, len(fact.Locations))

	for _, loc := range fact.Locations {
		loc.Tier = clampTier(loc.Tier)
		loc.Role = clampRole(loc.Role)

		if isGenericLocationName(loc.Name) {
			logger.Debug("dropping generic location name", "novel_id", fact.NovelID, "chapter", fact.ChapterNum, "name", loc.Name)
			continue
		}

		if !hasNonGenericProperPortion(loc.Name) {
			if loc.Parent == nil || *loc.Parent == "" {
				logger.Debug("dropping bare generic location with no disambiguating parent",
					"novel_id", fact.NovelID, "chapter", fact.ChapterNum, "name", loc.Name)
				continue
			}
		}

		if homonymProneNames[loc.Name] && loc.Parent != nil && *loc.Parent != "" {
			newName := *loc.Parent + "·" + loc.Name
			renames[loc.Name] = newName
			loc.Name = newName
		}

		kept = append(kept, loc)
	}

	fact.Locations = kept
	return renames
}

// rewriteCrossReferences applies the renames produced by validateLocations
// to every field that can reference a location name by string.
func rewriteCrossReferences(fact *novel.ChapterFact, renames map[string]string) {
	if len(renames) == 0 {
		return
	}

	rename := func(name string) string {
		if newName, ok := renames[name]; ok {
			return newName
		}
		return name
	}

	for i := range fact.Characters {
		locs := fact.Characters[i].LocationsInChapter
		for j, name := range locs {
			locs[j] = rename(name)
		}
	}

	for i := range fact.Events {
		if fact.Events[i].Location != nil {
			renamed := rename(*fact.Events[i].Location)
			fact.Events[i].Location = &renamed
		}
	}

	for i := range fact.SpatialRelationships {
		fact.SpatialRelationships[i].Source = rename(fact.SpatialRelationships[i].Source)
		fact.SpatialRelationships[i].Target = rename(fact.SpatialRelationships[i].Target)
	}
}

func validateCharacters(fact *novel.ChapterFact) {
	kept := make([]novel.CharacterFact, 0, len(fact.Characters))
	for _, c := range fact.Characters {
		if !isValidPersonName(c.Name) {
			logger.Debug("dropping invalid person name", "novel_id", fact.NovelID, "chapter", fact.ChapterNum, "name", c.Name)
			continue
		}
		kept = append(kept, c)
	}
	fact.Characters = kept
}

// validateRelationships clamps relation_type to a known value is not
// possible here (relation_type is free-form text describing the relation,
// not a closed enum) so only confidence-style flagging via cross-reference
// checking applies: a person named in person_a/person_b that this chapter
// never introduces as a character is kept, never dropped, but its evidence
// is tagged so downstream aggregation can treat it as lower-confidence.
func validateRelationships(fact *novel.ChapterFact) {
	known := make(map[string]bool, len(fact.Characters))
	for _, c := range fact.Characters {
		known[c.Name] = true
	}

	for i := range fact.Relationships {
		r := &fact.Relationships[i]
		if !known[r.PersonA] || !known[r.PersonB] {
			logger.Debug("relationship references off-screen character, flagging low confidence",
				"novel_id", fact.NovelID, "chapter", fact.ChapterNum, "person_a", r.PersonA, "person_b", r.PersonB)
			if !strings.HasSuffix(r.Evidence, " [unconfirmed-reference]") {
				r.Evidence += " [unconfirmed-reference]"
			}
		}
	}
}

func validateEvents(fact *novel.ChapterFact) {
	for i := range fact.Events {
		fact.Events[i].Importance = clampImportance(fact.Events[i].Importance)
	}
	for i := range fact.SpatialRelationships {
		fact.SpatialRelationships[i].Confidence = clampConfidence(fact.SpatialRelationships[i].Confidence)
	}
	for i := range fact.WorldDeclarations {
		fact.WorldDeclarations[i].Confidence = clampConfidence(fact.WorldDeclarations[i].Confidence)
	}
}
