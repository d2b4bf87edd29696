package pipeline

import (
	"path/filepath"
	"strings"
)

type DetectResult struct {
	IsInvoice bool
	Score     float64
	Reason    string
}

var detectKeywords = []string{"invoice", "tax invoice", "remittance", "amount due", "statement", "purchase order", "gst", "abn"}

// DetectInvoiceEmail scores a fetched mail on keywords and attachments so
// newsletters and replies are not queued as invoices.
func DetectInvoiceEmail(subject, text, html string, attachmentNames []string) DetectResult {
	subject = strings.ToLower(subject)
	text = strings.ToLower(text)
	html = strings.ToLower(html)

	score := 0.0
	for _, kw := range detectKeywords {
		if strings.Contains(subject, kw) {
			score += 0.25
		}
		if strings.Contains(text, kw) || strings.Contains(html, kw) {
			score += 0.1
		}
	}

	for _, name := range attachmentNames {
		ext := strings.ToLower(filepath.Ext(name))
		if IsSupportedFile(name) && ext != ".eml" {
			score += 0.4
			break
		}
	}

	if amountHits := countAmountPatterns(text); amountHits >= 2 {
		score += 0.2
	} else if amountHits == 1 {
		score += 0.1
	}
	if strings.Contains(html, "<table") {
		score += 0.1
	}
	if score > 1 {
		score = 1
	}

	isInvoice := score >= 0.45
	reason := "rules_negative"
	if isInvoice {
		reason = "rules_positive"
	}
	return DetectResult{IsInvoice: isInvoice, Score: score, Reason: reason}
}

// countAmountPatterns counts digit runs followed by a decimal point and two
// digits, such as "1,210.00".
func countAmountPatterns(text string) int {
	count := 0
	for i := 0; i+3 < len(text); i++ {
		if text[i] >= '0' && text[i] <= '9' && text[i+1] == '.' && isDigit(text[i+2]) && isDigit(text[i+3]) {
			count++
			i += 3
		}
	}
	return count
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}
