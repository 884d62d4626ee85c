package mapping

import "time"

type RuleType string

const (
	RuleFixedValue    RuleType = "fixed_value"
	RuleText          RuleType = "text"
	RuleGPSSingle     RuleType = "gps_single_field"
	RuleGPSDual       RuleType = "gps_dual_field"
	RuleGPSURL        RuleType = "gps_url"
	RuleReverseLookup RuleType = "reverse_lookup"
	RuleConsentFlag   RuleType = "consent_flag"
)

// Rule maps one submitted answer onto one provider ticket property.
type Rule struct {
	SourceComponentID string   `json:"source_component_id,omitempty"`
	TargetProperty    string   `json:"target_property"`
	Type              RuleType `json:"type"`
	ValueProperties   []string `json:"value_properties,omitempty"`
	DefaultValue      string   `json:"default_value,omitempty"`
	Catalog           string   `json:"catalog,omitempty"`
	ConsentValue      string   `json:"consent_value,omitempty"`
}

type Config struct {
	Rules []Rule `json:"rules"`
}

type AnswerKind string

const (
	KindText     AnswerKind = "text"
	KindChoice   AnswerKind = "choice"
	KindMulti    AnswerKind = "multi_choice"
	KindDatetime AnswerKind = "datetime"
	KindGeo      AnswerKind = "geo"
	KindFile     AnswerKind = "file"
)

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type FileRef struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

// Answer is one submitted value. Positive mirrors the chat flow's
// "positive answer" marker: a skipped or negatively-answered step is
// carried with Positive=false and never feeds a mapping rule.
type Answer struct {
	ComponentID  string     `json:"component_id"`
	Kind         AnswerKind `json:"kind"`
	Positive     bool       `json:"positive"`
	Text         string     `json:"text,omitempty"`
	ChoiceID     string     `json:"choice_id,omitempty"`
	ChoiceLabels []string   `json:"choice_labels,omitempty"`
	Time         time.Time  `json:"time,omitzero"`
	Geo          *GeoPoint  `json:"geo,omitempty"`
	Files        []FileRef  `json:"files,omitempty"`
}

type Component struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Sensitive bool   `json:"sensitive,omitempty"`
}

// Definition carries the component titles and sensitivity flags of the
// form or flow the submission came from.
type Definition struct {
	Components []Component `json:"components"`
}

func (d Definition) component(id string) (Component, bool) {
	for _, c := range d.Components {
		if c.ID == id {
			return c, true
		}
	}
	return Component{}, false
}

type Submission struct {
	Answers []Answer `json:"answers"`
}

func (s Submission) answer(componentID string) (Answer, bool) {
	for _, a := range s.Answers {
		if a.ComponentID == componentID {
			return a, true
		}
	}
	return Answer{}, false
}

// CatalogResolver resolves a free-text label against a provider catalog
// (categories, branches, ...). Implemented by the provider adapters; a
// nil resolver leaves every reverse lookup unresolved.
type CatalogResolver interface {
	Resolve(catalog, label string) (id string, ok bool)
}

// Result is the engine output consumed by the provider adapters and the
// incident intake. SkippedSensitive lists the components withheld from
// the narrative so the intake can log them.
type Result struct {
	ProviderFields   map[string]any
	Title            string
	Description      string
	Narrative        string
	Geo              *GeoPoint
	Consent          bool
	Attachments      []FileRef
	Consumed         map[string]bool
	SkippedSensitive []string
}
