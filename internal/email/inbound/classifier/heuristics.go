package classifier

import (
	"context"
	"html"
	"regexp"
	"strconv"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	orderPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\border\s+(?:number|no\.?|num)\s*#?\s*(\d+)`),
		regexp.MustCompile(`(?i)\border\s*#\s*(\d+)`),
		regexp.MustCompile(`#(\d+)\b`),
		regexp.MustCompile(`(?i)\border\b[^\d\n]{0,40}?(\d{4,})`),
	}

	textPolicy   = bluemonday.StrictPolicy()
	spacePattern = regexp.MustCompile(`\s+`)
)

type keywordRule[T any] struct {
	value    T
	keywords []string
}

var (
	categoryRules = []keywordRule[Category]{
		{CategoryReturn, []string{"refund", "return", "money back", "exchange", "cancel my order", "cancellation"}},
		{CategoryBilling, []string{"charged", "invoice", "payment", "billing", "receipt", "double charge"}},
		{CategoryComplaint, []string{"damaged", "broken", "defect", "wrong size", "wrong item", "misprint", "faded", "poor quality"}},
		{CategoryShipping, []string{"shipping", "tracking", "delivery", "delivered", "shipped", "ship", "package", "arrive", "courier"}},
		{CategoryProduct, []string{"size chart", "material", "available", "in stock", "custom design", "product"}},
		{CategoryOrderStatus, []string{"order status", "where is my order", "my order", "order"}},
	}
	urgencyRules = []keywordRule[Urgency]{
		{UrgencyUrgent, []string{"urgent", "asap", "emergency", "immediately", "lawyer", "chargeback"}},
		{UrgencyHigh, []string{"still waiting", "never received", "damaged", "wrong item", "refund", "as soon as possible"}},
		{UrgencyLow, []string{"just wondering", "no rush", "when you get a chance", "question"}},
	}
	toneRules = []keywordRule[Tone]{
		{ToneAngry, []string{"unacceptable", "scam", "furious", "ridiculous", "worst", "terrible", "fraud", "lawyer"}},
		{ToneFrustrated, []string{"disappointed", "frustrated", "still waiting", "again", "annoyed", "no response"}},
		{TonePositive, []string{"thank", "love", "great", "awesome", "appreciate"}},
	}
)

func matchKeyword[T any](rules []keywordRule[T], text string, fallback T) T {
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(text, kw) {
				return r.value
			}
		}
	}
	return fallback
}

// PlainText strips markup from an HTML body and collapses whitespace.
func PlainText(body string) string {
	withBreaks := strings.NewReplacer("<br>", "\n", "<br/>", "\n", "<br />", "\n", "</p>", "\n").Replace(body)
	text := html.UnescapeString(textPolicy.Sanitize(withBreaks))
	return strings.TrimSpace(spacePattern.ReplaceAllString(text, " "))
}

// OrderCandidates returns every order number the text mentions, strongest
// pattern first, without duplicates.
func OrderCandidates(text string) []int64 {
	seen := map[int64]struct{}{}
	var out []int64
	for _, re := range orderPatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			id, err := strconv.ParseInt(m[1], 10, 64)
			if err != nil || id <= 0 {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// heuristicAnalysis classifies with keyword tables only.
func heuristicAnalysis(subject, text string) Analysis {
	a := DefaultAnalysis()
	lower := strings.ToLower(subject + " " + text)
	a.Category = matchKeyword(categoryRules, lower, CategoryGeneral)
	a.Urgency = matchKeyword(urgencyRules, lower, UrgencyMedium)
	a.Tone = matchKeyword(toneRules, lower, ToneNeutral)
	if s := strings.TrimSpace(subject); s != "" {
		a.KeyIssues = boundIssues([]string{strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(s, "Re:"), "RE:"))})
	}
	return a
}

// resolveOrder picks the first candidate the directory confirms. Without a
// directory the first candidate is trusted.
func resolveOrder(ctx context.Context, dir Directory, candidates []int64) (*int64, error) {
	for _, id := range candidates {
		if dir == nil {
			v := id
			return &v, nil
		}
		ok, err := dir.OrderExists(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			v := id
			return &v, nil
		}
	}
	return nil, nil
}
