package signal

import (
	"strings"
	"unicode/utf8"
)

// MaxReasonLength caps the combined reason in characters.
const MaxReasonLength = 300

// Direction is the recommended trading action.
type Direction string

const (
	DirectionBuy     Direction = "BUY"
	DirectionSell    Direction = "SELL"
	DirectionNoTrade Direction = "NO_TRADE"
)

// ParseDirection normalises a captured token such as "Buy", "sell" or "No Trade".
// Anything unrecognised maps to DirectionNoTrade.
func ParseDirection(token string) Direction {
	normalised := strings.ToUpper(strings.TrimSpace(token))
	normalised = strings.NewReplacer(" ", "", "\t", "", "_", "", "-", "").Replace(normalised)
	switch normalised {
	case "BUY":
		return DirectionBuy
	case "SELL":
		return DirectionSell
	default:
		return DirectionNoTrade
	}
}

// Actionable reports whether the direction asks for a position.
func (d Direction) Actionable() bool {
	return d == DirectionBuy || d == DirectionSell
}

// Label is the human form used in messages.
func (d Direction) Label() string {
	switch d {
	case DirectionBuy:
		return "Buy"
	case DirectionSell:
		return "Sell"
	default:
		return "No Trade"
	}
}

// TradingSignal is the structured recommendation extracted from analyzer text.
type TradingSignal struct {
	Direction  Direction `json:"direction"`
	Reason     string    `json:"reason"`
	StopLoss   string    `json:"stop_loss"`
	TakeProfit string    `json:"take_profit"`
	Comment    string    `json:"comment"`
}

// Actionable reports whether the signal is BUY or SELL.
func (s TradingSignal) Actionable() bool {
	return s.Direction.Actionable()
}

// ReasonParts splits a combined reason back into reason and comment.
func (s TradingSignal) ReasonParts() (string, string) {
	reason, comment, found := strings.Cut(s.Reason, reasonSeparator)
	if !found {
		return s.Reason, ""
	}
	return reason, comment
}

const reasonSeparator = " | "

func combineReason(reason, comment string) string {
	full := reason
	if comment != "" && comment != reason && !strings.Contains(reason, comment) {
		full = reason + reasonSeparator + comment
	}
	return TruncateRunes(full, MaxReasonLength)
}

// TruncateRunes cuts s to at most limit characters without splitting a
// multi-byte rune. Invalid UTF-8 sequences are replaced with U+FFFD first.
func TruncateRunes(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	s = strings.ToValidUTF8(s, "\uFFFD")
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	count := 0
	for i := range s {
		if count == limit {
			return s[:i]
		}
		count++
	}
	return s
}
