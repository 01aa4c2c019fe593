// Package classifier assigns category, urgency and tone to inbound support
// mail and recovers the order and customer it refers to.
package classifier

import "strings"

// Category groups tickets by topic.
type Category string

const (
	CategoryOrderStatus Category = "order_status"
	CategoryShipping    Category = "shipping"
	CategoryReturn      Category = "return_refund"
	CategoryProduct     Category = "product_question"
	CategoryBilling     Category = "billing"
	CategoryComplaint   Category = "complaint"
	CategoryGeneral     Category = "general"
)

// Urgency orders tickets for operators.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
	UrgencyUrgent Urgency = "urgent"
)

// Tone describes the customer's mood.
type Tone string

const (
	TonePositive   Tone = "positive"
	ToneNeutral    Tone = "neutral"
	ToneFrustrated Tone = "frustrated"
	ToneAngry      Tone = "angry"
)

// Source records which path produced an Analysis.
type Source string

const (
	SourceAI        Source = "ai"
	SourceHeuristic Source = "heuristic"
)

// MaxKeyIssues bounds Analysis.KeyIssues.
const MaxKeyIssues = 5

var (
	categories = map[Category]struct{}{
		CategoryOrderStatus: {}, CategoryShipping: {}, CategoryReturn: {}, CategoryProduct: {},
		CategoryBilling: {}, CategoryComplaint: {}, CategoryGeneral: {},
	}
	urgencies = map[Urgency]struct{}{UrgencyLow: {}, UrgencyMedium: {}, UrgencyHigh: {}, UrgencyUrgent: {}}
	tones     = map[Tone]struct{}{TonePositive: {}, ToneNeutral: {}, ToneFrustrated: {}, ToneAngry: {}}
)

// ParseCategory maps free text onto a Category, defaulting to general.
func ParseCategory(s string) Category {
	c := Category(normalizeEnum(s))
	if _, ok := categories[c]; ok {
		return c
	}
	switch c {
	case "order", "orders":
		return CategoryOrderStatus
	case "delivery", "shipping_delay":
		return CategoryShipping
	case "return", "refund", "returns", "refunds", "returns_refunds":
		return CategoryReturn
	case "product", "product_inquiry":
		return CategoryProduct
	case "payment":
		return CategoryBilling
	}
	return CategoryGeneral
}

// ParseUrgency maps free text onto an Urgency, defaulting to medium.
func ParseUrgency(s string) Urgency {
	u := Urgency(normalizeEnum(s))
	if _, ok := urgencies[u]; ok {
		return u
	}
	if u == "critical" {
		return UrgencyUrgent
	}
	return UrgencyMedium
}

// ParseTone maps free text onto a Tone, defaulting to neutral.
func ParseTone(s string) Tone {
	t := Tone(normalizeEnum(s))
	if _, ok := tones[t]; ok {
		return t
	}
	switch t {
	case "upset", "annoyed", "disappointed", "negative":
		return ToneFrustrated
	case "happy", "grateful", "friendly":
		return TonePositive
	}
	return ToneNeutral
}

func normalizeEnum(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer(" ", "_", "-", "_", "/", "_", "&", "_").Replace(s)
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}

// Analysis is the classifier result.
type Analysis struct {
	Category   Category
	Urgency    Urgency
	Tone       Tone
	OrderID    *int64
	CustomerID *int64
	KeyIssues  []string
	Source     Source
}

// DefaultAnalysis is used when nothing better is known.
func DefaultAnalysis() Analysis {
	return Analysis{
		Category: CategoryGeneral,
		Urgency:  UrgencyMedium,
		Tone:     ToneNeutral,
		Source:   SourceHeuristic,
	}
}

func boundIssues(in []string) []string {
	out := make([]string, 0, MaxKeyIssues)
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if r := []rune(s); len(r) > 200 {
			s = string(r[:200])
		}
		out = append(out, s)
		if len(out) == MaxKeyIssues {
			break
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
