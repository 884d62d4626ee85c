package mapping

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Property names with special handling. The brief description doubles
// as the incident title and is capped because ticketing systems treat
// it as a short-form field.
const (
	PropertyBriefDescription = "briefDescription"
	PropertyDescription      = "description"

	briefDescriptionMax = 80
)

// Apply runs the mapping config against a submission. It never fails:
// rules whose source answer is absent, skipped or unresolvable are
// dropped, and in the worst case the result carries an empty narrative
// and the default title, which leaves the incident not publicly
// visible.
func Apply(sub Submission, def Definition, cfg Config, resolver CatalogResolver, defaultTitle string) Result {
	res := Result{
		ProviderFields: map[string]any{},
		Consumed:       map[string]bool{},
	}

	for _, rule := range cfg.Rules {
		if rule.Type == RuleFixedValue {
			applyFixedValue(&res, rule)
			continue
		}
		answer, ok := sub.answer(rule.SourceComponentID)
		if !ok || !answer.Positive {
			continue
		}
		applied := false
		switch rule.Type {
		case RuleText:
			applied = applyText(&res, rule, answer)
		case RuleGPSSingle:
			applied = applyGPSSingle(&res, rule, answer)
		case RuleGPSDual:
			applied = applyGPSDual(&res, rule, answer)
		case RuleGPSURL:
			applied = applyGPSURL(&res, rule, answer)
		case RuleReverseLookup:
			applied = applyReverseLookup(&res, rule, answer, resolver)
		case RuleConsentFlag:
			res.Consent = answer.ChoiceID == rule.ConsentValue
			applied = true
		}
		if applied {
			res.Consumed[rule.SourceComponentID] = true
		}
	}

	assembleNarrative(&res, sub, def)

	res.Title = strings.TrimSpace(titleFromFields(res.ProviderFields))
	if res.Title == "" {
		res.Title = defaultTitle
	}
	return res
}

func applyFixedValue(res *Result, rule Rule) {
	if strings.TrimSpace(rule.TargetProperty) == "" {
		return
	}
	if len(rule.ValueProperties) > 0 {
		res.ProviderFields[rule.TargetProperty] = map[string]any{rule.ValueProperties[0]: rule.DefaultValue}
		return
	}
	res.ProviderFields[rule.TargetProperty] = rule.DefaultValue
}

func applyText(res *Result, rule Rule, answer Answer) bool {
	value := strings.TrimSpace(displayValue(answer))
	if value == "" {
		return false
	}
	switch {
	case rule.TargetProperty == PropertyBriefDescription:
		res.ProviderFields[rule.TargetProperty] = truncate(value, briefDescriptionMax)
	case rule.TargetProperty == PropertyDescription:
		res.Description = value
		res.ProviderFields[rule.TargetProperty] = value
	case len(rule.ValueProperties) > 0:
		res.ProviderFields[rule.TargetProperty] = map[string]any{rule.ValueProperties[0]: value}
	default:
		// Relation-shaped target: providers expect {"id": ...}.
		res.ProviderFields[rule.TargetProperty] = map[string]any{"id": value}
	}
	return true
}

func applyGPSSingle(res *Result, rule Rule, answer Answer) bool {
	if answer.Geo == nil || len(rule.ValueProperties) < 1 {
		return false
	}
	// The coordinate lands nested under the value property, the same
	// shape the ticket read-back expects for optional fields.
	res.ProviderFields[rule.TargetProperty] = map[string]any{
		rule.ValueProperties[0]: formatCoord(answer.Geo.Lat) + "," + formatCoord(answer.Geo.Lon),
	}
	res.Geo = answer.Geo
	return true
}

func applyGPSDual(res *Result, rule Rule, answer Answer) bool {
	if answer.Geo == nil || len(rule.ValueProperties) < 2 {
		return false
	}
	res.ProviderFields[rule.TargetProperty] = map[string]any{
		rule.ValueProperties[0]: answer.Geo.Lat,
		rule.ValueProperties[1]: answer.Geo.Lon,
	}
	res.Geo = answer.Geo
	return true
}

func applyGPSURL(res *Result, rule Rule, answer Answer) bool {
	if answer.Geo == nil {
		return false
	}
	query := url.Values{}
	query.Set("api", "1")
	query.Set("query", formatCoord(answer.Geo.Lat)+","+formatCoord(answer.Geo.Lon))
	res.ProviderFields[rule.TargetProperty] = "https://www.google.com/maps/search/?" + query.Encode()
	res.Geo = answer.Geo
	return true
}

func applyReverseLookup(res *Result, rule Rule, answer Answer, resolver CatalogResolver) bool {
	if resolver == nil {
		return false
	}
	label := strings.TrimSpace(displayValue(answer))
	if label == "" {
		return false
	}
	id, ok := resolver.Resolve(rule.Catalog, label)
	if !ok {
		// Unresolved lookups drop the field, they never fail the call.
		return false
	}
	res.ProviderFields[rule.TargetProperty] = map[string]any{"id": id}
	return true
}

// assembleNarrative walks the submission in its original order and
// echoes every component a rule did not consume, except files (pushed
// onto attachments), consent answers and sensitive components. The
// mapped description is placed ahead of the generic blocks.
func assembleNarrative(res *Result, sub Submission, def Definition) {
	var blocks []string
	if res.Description != "" {
		blocks = append(blocks, res.Description)
	}
	for _, answer := range sub.Answers {
		if !answer.Positive {
			continue
		}
		if answer.Kind == KindFile {
			res.Attachments = append(res.Attachments, answer.Files...)
			continue
		}
		if res.Consumed[answer.ComponentID] {
			continue
		}
		comp, ok := def.component(answer.ComponentID)
		if !ok {
			continue
		}
		if comp.Sensitive {
			res.SkippedSensitive = append(res.SkippedSensitive, comp.ID)
			continue
		}
		value := strings.TrimSpace(displayValue(answer))
		if value == "" {
			continue
		}
		title := strings.TrimSpace(comp.Title)
		switch {
		case title == "":
			blocks = append(blocks, value)
		case strings.Contains(value, "\n"):
			blocks = append(blocks, "**"+title+"**\n"+value)
		default:
			blocks = append(blocks, "**"+title+":** "+value)
		}
	}
	res.Narrative = strings.Join(blocks, "\n\n")
	if res.Description == "" {
		res.Description = res.Narrative
	}
}

func displayValue(answer Answer) string {
	switch answer.Kind {
	case KindChoice, KindMulti:
		if len(answer.ChoiceLabels) > 0 {
			return strings.Join(answer.ChoiceLabels, ", ")
		}
		return answer.ChoiceID
	case KindDatetime:
		if answer.Time.IsZero() {
			return ""
		}
		return answer.Time.Format("02/01/2006 15:04")
	case KindGeo:
		if answer.Geo == nil {
			return ""
		}
		return formatCoord(answer.Geo.Lat) + "," + formatCoord(answer.Geo.Lon)
	case KindFile:
		return ""
	default:
		return answer.Text
	}
}

func titleFromFields(fields map[string]any) string {
	v, ok := fields[PropertyBriefDescription]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// StripUnset removes relation fields whose id resolved to the unset
// sentinel. Providers reject explicit nulls/empties for optional
// relation fields, so they must be absent from the payload entirely.
func StripUnset(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for key, value := range fields {
		if nested, ok := value.(map[string]any); ok {
			if id, ok := nested["id"]; ok && len(nested) == 1 {
				if s, ok := id.(string); ok && strings.TrimSpace(s) == "" {
					continue
				}
			}
		}
		if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
			continue
		}
		out[key] = value
	}
	return out
}

// Format helpers shared by the provider adapters.
func FormatGeo(g *GeoPoint) string {
	if g == nil {
		return ""
	}
	return fmt.Sprintf("%s,%s", formatCoord(g.Lat), formatCoord(g.Lon))
}
