package evaluator

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"pricewatch/internal/domain"
)

// moneyRe captures Brazilian-format amounts: thousands separated by dots with
// a comma decimal ("1.299,90"), plain comma decimals ("99,00"), or dot
// decimals from machine-readable attributes ("1299.90").
var moneyRe = regexp.MustCompile(`(\d{1,3}(?:\.\d{3})+,\d{2})|(\d+,\d{2})|(\d+\.\d{1,2})|(\d+)`)

// ParseMoneyBR extracts the first monetary amount from a text fragment.
func ParseMoneyBR(s string) (float64, error) {
	groups := moneyRe.FindStringSubmatch(s)
	if groups == nil {
		return 0, fmt.Errorf("evaluator: no amount in %q", s)
	}
	switch {
	case groups[1] != "": // 1.299,90
		normalized := strings.ReplaceAll(groups[1], ".", "")
		normalized = strings.ReplaceAll(normalized, ",", ".")
		return strconv.ParseFloat(normalized, 64)
	case groups[2] != "": // 99,00
		return strconv.ParseFloat(strings.ReplaceAll(groups[2], ",", "."), 64)
	case groups[3] != "": // 1299.90
		return strconv.ParseFloat(groups[3], 64)
	default: // bare integer
		return strconv.ParseFloat(groups[4], 64)
	}
}

func formatMoney(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// availabilityKeywords maps Portuguese stock phrases to availability states.
// Order matters: out-of-stock phrases are checked before in-stock ones since
// "indisponível" contains "disponível".
var availabilityKeywords = []struct {
	term  string
	state domain.Availability
}{
	{"esgotado", domain.AvailabilityOutOfStock},
	{"indisponível", domain.AvailabilityOutOfStock},
	{"fora de estoque", domain.AvailabilityOutOfStock},
	{"sem estoque", domain.AvailabilityOutOfStock},
	{"últimas unidades", domain.AvailabilityLowStock},
	{"ultimas unidades", domain.AvailabilityLowStock},
	{"restam apenas", domain.AvailabilityLowStock},
	{"pré-venda", domain.AvailabilityPreOrder},
	{"pre-venda", domain.AvailabilityPreOrder},
	{"em estoque", domain.AvailabilityInStock},
	{"disponível", domain.AvailabilityInStock},
	{"comprar agora", domain.AvailabilityInStock},
	{"adicionar ao carrinho", domain.AvailabilityInStock},
}

// NormalizeAvailability maps extracted availability text onto the enum.
func NormalizeAvailability(s string) (domain.Availability, string) {
	text := strings.ToLower(normalizeSpace(s))
	if text == "" {
		return domain.AvailabilityUnknown, ""
	}
	for _, kw := range availabilityKeywords {
		if strings.Contains(text, kw.term) {
			return kw.state, normalizeSpace(s)
		}
	}
	return domain.AvailabilityUnknown, normalizeSpace(s)
}

// installmentRe captures offers like "10x de R$ 129,90" or "em 3 x 99,00".
var installmentRe = regexp.MustCompile(`(?i)(\d{1,2})\s*x\s*(?:de\s*)?(?:R\$\s*)?(\d{1,3}(?:\.\d{3})*,\d{2}|\d+[.,]\d{2}|\d+)`)

// ParseInstallments extracts an ordered list of installment plans from text.
// The interest flag is taken from surrounding "sem juros" / "com juros" cues;
// absent a cue, interest is assumed.
func ParseInstallments(s string) []domain.InstallmentPlan {
	matches := installmentRe.FindAllStringSubmatch(s, -1)
	if matches == nil {
		return nil
	}
	lower := strings.ToLower(s)
	interest := !strings.Contains(lower, "sem juros")
	var plans []domain.InstallmentPlan
	for _, m := range matches {
		times, err := strconv.Atoi(m[1])
		if err != nil || times < 1 {
			continue
		}
		value, err := ParseMoneyBR(m[2])
		if err != nil || value <= 0 {
			continue
		}
		plans = append(plans, domain.InstallmentPlan{
			Value:    value,
			Times:    times,
			Interest: interest,
		})
	}
	return plans
}
