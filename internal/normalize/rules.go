package normalize

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

// Target names a canonical field a source header can map to.
type Target string

const (
	TargetProtocol          Target = "protocol"
	TargetCreationDate      Target = "creation_date"
	TargetCompletionDate    Target = "completion_date"
	TargetStatus            Target = "status"
	TargetTheme             Target = "theme"
	TargetSubject           Target = "subject"
	TargetOrganization      Target = "organization"
	TargetUnit              Target = "unit"
	TargetStaff             Target = "staff"
	TargetChannel           Target = "channel"
	TargetRemainingDeadline Target = "remaining_deadline"
)

var knownTargets = map[Target]bool{
	TargetProtocol:          true,
	TargetCreationDate:      true,
	TargetCompletionDate:    true,
	TargetStatus:            true,
	TargetTheme:             true,
	TargetSubject:           true,
	TargetOrganization:      true,
	TargetUnit:              true,
	TargetStaff:             true,
	TargetChannel:           true,
	TargetRemainingDeadline: true,
}

// RuleFile is the on-disk YAML shape of the business rules.
type RuleFile struct {
	AbsentTokens []string            `yaml:"absent_tokens"`
	Headers      map[Target][]string `yaml:"headers"`

	Reclassification struct {
		Themes   []string `yaml:"themes"`
		Subjects []string `yaml:"subjects"`
		Category string   `yaml:"category"`
	} `yaml:"reclassification"`

	Organizations struct {
		Default string            `yaml:"default"`
		ByTheme map[string]string `yaml:"by_theme"`
	} `yaml:"organizations"`

	Units struct {
		Aliases         map[string][]string `yaml:"aliases"`
		SectorOmbudsman struct {
			Match    []string          `yaml:"match"`
			ByTheme  map[string]string `yaml:"by_theme"`
			Fallback string            `yaml:"fallback"`
		} `yaml:"sector_ombudsman"`
	} `yaml:"units"`

	Channels map[string][]string `yaml:"channels"`

	Concluded struct {
		Statuses         []string `yaml:"statuses"`
		DeadlineSentinel string   `yaml:"deadline_sentinel"`
	} `yaml:"concluded"`

	Dates struct {
		Layouts []string `yaml:"layouts"`
		Serials bool     `yaml:"serials"`
	} `yaml:"dates"`
}

// Rules is the compiled, read-only form of a RuleFile.
// All map keys are folded with Fold.
type Rules struct {
	absent  map[string]struct{}
	headers map[string]Target

	reclassThemes   map[string]struct{}
	reclassSubjects map[string]struct{}
	reclassCategory string

	orgByTheme map[string]string
	defaultOrg string

	unitAliases    map[string]string
	sectorMatch    map[string]struct{}
	sectorByTheme  map[string]string
	sectorFallback string

	channelAliases map[string]string

	concluded        map[string]struct{}
	deadlineSentinel string

	dateLayouts []string
	serialDates bool
}

// DefaultRules returns the embedded rule set.
func DefaultRules() (*Rules, error) {
	return ParseRules(defaultRulesYAML)
}

// LoadRules reads rules from path, or the embedded defaults when path is empty.
func LoadRules(path string) (*Rules, error) {
	if path == "" {
		return DefaultRules()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	rules, err := ParseRules(data)
	if err != nil {
		return nil, fmt.Errorf("rules file %s: %w", path, err)
	}
	return rules, nil
}

// ParseRules decodes and compiles a YAML rule set.
func ParseRules(data []byte) (*Rules, error) {
	var f RuleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	return Compile(f)
}

// Compile validates f and builds the lookup tables.
func Compile(f RuleFile) (*Rules, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}

	r := &Rules{
		absent:           foldSet(f.AbsentTokens),
		headers:          make(map[string]Target),
		reclassThemes:    foldSet(f.Reclassification.Themes),
		reclassSubjects:  foldSet(f.Reclassification.Subjects),
		reclassCategory:  strings.TrimSpace(f.Reclassification.Category),
		orgByTheme:       foldMap(f.Organizations.ByTheme),
		defaultOrg:       strings.TrimSpace(f.Organizations.Default),
		unitAliases:      invertAliases(f.Units.Aliases),
		sectorMatch:      foldSet(f.Units.SectorOmbudsman.Match),
		sectorByTheme:    foldMap(f.Units.SectorOmbudsman.ByTheme),
		sectorFallback:   strings.TrimSpace(f.Units.SectorOmbudsman.Fallback),
		channelAliases:   invertAliases(f.Channels),
		concluded:        foldSet(f.Concluded.Statuses),
		deadlineSentinel: f.Concluded.DeadlineSentinel,
		dateLayouts:      f.Dates.Layouts,
		serialDates:      f.Dates.Serials,
	}

	// Targets are visited in sorted order so a header listed twice resolves
	// the same way on every load.
	targets := make([]string, 0, len(f.Headers))
	for t := range f.Headers {
		targets = append(targets, string(t))
	}
	sort.Strings(targets)
	for _, t := range targets {
		for _, h := range f.Headers[Target(t)] {
			key := Fold(h)
			if _, dup := r.headers[key]; !dup {
				r.headers[key] = Target(t)
			}
		}
	}

	return r, nil
}

func (f RuleFile) validate() error {
	var errs []string

	if len(f.Headers[TargetProtocol]) == 0 {
		errs = append(errs, "headers.protocol must list at least one header")
	}
	for t := range f.Headers {
		if !knownTargets[t] {
			errs = append(errs, fmt.Sprintf("headers: unknown field %q", t))
		}
	}
	if len(f.Reclassification.Themes) > 0 && strings.TrimSpace(f.Reclassification.Category) == "" {
		errs = append(errs, "reclassification.category is required when themes are listed")
	}
	if strings.TrimSpace(f.Organizations.Default) == "" {
		errs = append(errs, "organizations.default is required")
	}
	if len(f.Units.SectorOmbudsman.Match) > 0 && strings.TrimSpace(f.Units.SectorOmbudsman.Fallback) == "" {
		errs = append(errs, "units.sector_ombudsman.fallback is required when match is listed")
	}
	if len(f.Concluded.Statuses) > 0 && f.Concluded.DeadlineSentinel == "" {
		errs = append(errs, "concluded.deadline_sentinel is required when statuses are listed")
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return fmt.Errorf("invalid rules:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func foldMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[Fold(k)] = strings.TrimSpace(v)
	}
	return out
}

// invertAliases maps every alias, and the canonical name itself, to the
// canonical name.
func invertAliases(m map[string][]string) map[string]string {
	out := make(map[string]string)
	canon := make([]string, 0, len(m))
	for c := range m {
		canon = append(canon, c)
	}
	sort.Strings(canon)
	for _, c := range canon {
		name := strings.TrimSpace(c)
		out[Fold(name)] = name
		for _, a := range m[c] {
			if _, taken := out[Fold(a)]; !taken {
				out[Fold(a)] = name
			}
		}
	}
	return out
}

// HeaderTarget resolves a source header to a canonical field.
func (r *Rules) HeaderTarget(header string) (Target, bool) {
	t, ok := r.headers[Fold(header)]
	return t, ok
}

// Summary describes the size of each rule table.
type Summary struct {
	HeaderAliases       int `json:"header_aliases"`
	AbsentTokens        int `json:"absent_tokens"`
	ThemeOrganizations  int `json:"theme_organizations"`
	UnitAliases         int `json:"unit_aliases"`
	SectorOmbudsmanUnit int `json:"sector_ombudsman_units"`
	ChannelAliases      int `json:"channel_aliases"`
	ConcludedStatuses   int `json:"concluded_statuses"`
	DateLayouts         int `json:"date_layouts"`
}

// Summary reports table sizes, used by the rules command.
func (r *Rules) Summary() Summary {
	layouts := len(r.dateLayouts)
	if layouts == 0 {
		layouts = len(DefaultDateLayouts)
	}
	return Summary{
		HeaderAliases:       len(r.headers),
		AbsentTokens:        len(r.absent),
		ThemeOrganizations:  len(r.orgByTheme),
		UnitAliases:         len(r.unitAliases),
		SectorOmbudsmanUnit: len(r.sectorByTheme),
		ChannelAliases:      len(r.channelAliases),
		ConcludedStatuses:   len(r.concluded),
		DateLayouts:         layouts,
	}
}
