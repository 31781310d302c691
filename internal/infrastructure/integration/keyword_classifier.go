package integration

import (
	"context"
	"regexp"
	"strings"

	"github.com/salesflow/backend/internal/domain/sales"
)

// Keyword lists are matched as lowercase substrings. Russian stems come first
// because the shop's customers write in Russian.
var (
	cancelKeywords = []string{
		"отмен", "не надо", "не нужно", "передумал", "стоп заказ",
		"cancel", "never mind", "nevermind",
	}
	humanKeywords = []string{
		"оператор", "менеджер", "живой человек", "сотрудник", "консультант",
		"human", "operator", "manager", "real person",
	}
	confirmKeywords = []string{
		"оформ", "подтвер", "беру", "покупаю", "заказыва", "согласен", "оплачу", "да, ",
		"confirm", "checkout", "i'll take", "buy it", "place the order",
	}
	browseKeywords = []string{
		"покажи", "есть ли", "что есть", "ищу", "подбер", "каталог", "ассортимент", "хочу",
		"show", "looking for", "do you have", "need", "want",
	}
	greetingKeywords = []string{
		"привет", "здравствуй", "добрый", "спасибо", "hello", "hi ", "thanks", "thank you",
	}
)

var (
	postalCodeRe = regexp.MustCompile(`\b[1-9]\d{5}\b`)
	cityRe       = regexp.MustCompile(`(?i)(?:город|г\.)\s*([А-ЯЁа-яёA-Za-z\-]+)`)
	budgetRes    = []*regexp.Regexp{
		regexp.MustCompile(`(?:до|не более|максимум|under|below|up to)\s*(\d[\d\s]*\d|\d)`),
		regexp.MustCompile(`(\d[\d\s]*\d|\d)\s*(?:руб|₽|р\.|rub)`),
	}
	selectionRe = regexp.MustCompile(`^(?:#|№|номер|number|no\.?)?\s*([1-9])[.!]?$`)
	quantityRe  = regexp.MustCompile(`(\d{1,3})\s*(?:шт|штук|pcs|pieces)`)
	yesRe       = regexp.MustCompile(`^(?:да|ага|ок|окей|yes|yep|ok|okay|sure)[.!]*$`)
)

// Confidence levels the keyword rules assign
const (
	keywordConfidenceStrong = 0.9
	keywordConfidenceMatch  = 0.7
	keywordConfidenceWeak   = 0.5
)

// KeywordClassifier is a rule-based intent classifier. It serves when no
// remote classifier is configured and as the fallback when it fails.
type KeywordClassifier struct{}

// NewKeywordClassifier creates a keyword classifier
func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{}
}

// Classify implements sales.IntentClassifier and never fails
func (k *KeywordClassifier) Classify(_ context.Context, _ []sales.Turn, latest string) (sales.Classification, error) {
	return classifyText(latest), nil
}

func classifyText(text string) sales.Classification {
	msg := strings.ToLower(strings.TrimSpace(text))
	c := sales.Classification{Kind: sales.IntentUnknown, Slots: map[string]string{}}
	if msg == "" {
		return c
	}

	switch {
	case LooksLikeCancel(msg):
		c.Kind, c.Confidence = sales.IntentCancel, keywordConfidenceStrong
		c.Slots[sales.SlotReason] = strings.TrimSpace(text)

	case containsAny(msg, humanKeywords):
		c.Kind, c.Confidence = sales.IntentAskHuman, keywordConfidenceStrong

	case postalCodeRe.MatchString(msg):
		c.Kind, c.Confidence = sales.IntentProvideAddress, keywordConfidenceStrong
		c.Slots[sales.SlotPostalCode] = postalCodeRe.FindString(msg)
		if m := cityRe.FindStringSubmatch(text); m != nil {
			c.Slots[sales.SlotCity] = m[1]
		}
		c.Slots[sales.SlotAddress] = strings.TrimSpace(text)

	case selectionRe.MatchString(msg):
		c.Kind, c.Confidence = sales.IntentSelectItem, keywordConfidenceStrong
		c.Slots[sales.SlotSelection] = selectionRe.FindStringSubmatch(msg)[1]

	case yesRe.MatchString(msg) || containsAny(msg, confirmKeywords):
		c.Kind, c.Confidence = sales.IntentConfirm, keywordConfidenceMatch

	case containsAny(msg, greetingKeywords) && len([]rune(msg)) < 25:
		c.Confidence = keywordConfidenceWeak

	default:
		c.Kind, c.Confidence = sales.IntentBrowse, keywordConfidenceWeak
		if containsAny(msg, browseKeywords) {
			c.Confidence = keywordConfidenceMatch
		}
		query, budget := extractBudget(msg)
		c.Slots[sales.SlotQuery] = query
		if budget != "" {
			c.Slots[sales.SlotMaxPrice] = budget
		}
	}

	if m := quantityRe.FindStringSubmatch(msg); m != nil {
		c.Slots[sales.SlotQuantity] = m[1]
	}
	return c
}

// LooksLikeCancel reports whether a message asks to cancel. It is cheap
// enough to run on every message before it is queued.
func LooksLikeCancel(text string) bool {
	return containsAny(strings.ToLower(text), cancelKeywords)
}

// extractBudget strips a budget phrase from msg and returns the remaining
// query and the amount without spaces.
func extractBudget(msg string) (string, string) {
	for _, re := range budgetRes {
		loc := re.FindStringSubmatchIndex(msg)
		if loc == nil {
			continue
		}
		amount := strings.ReplaceAll(msg[loc[2]:loc[3]], " ", "")
		query := strings.Join(strings.Fields(msg[:loc[0]]+" "+msg[loc[1]:]), " ")
		return query, amount
	}
	return msg, ""
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

var _ sales.IntentClassifier = (*KeywordClassifier)(nil)
