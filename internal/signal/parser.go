package signal

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// Parser turns free-form analyzer text into a TradingSignal. It is safe for
// concurrent use and never fails.
type Parser struct {
	grammar    Grammar
	structured bool
}

// Option tunes a Parser.
type Option func(*Parser)

// WithoutStructured disables the JSON reply candidate.
func WithoutStructured() Option {
	return func(p *Parser) { p.structured = false }
}

// NewParser builds a parser over grammar.
func NewParser(grammar Grammar, opts ...Option) *Parser {
	p := &Parser{grammar: grammar, structured: true}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var defaultParser = NewParser(DefaultGrammar())

// Parse runs the default parser.
func Parse(raw string) TradingSignal {
	return defaultParser.Parse(raw)
}

// Parse extracts a signal from raw. Unrecognised input degrades to NO_TRADE
// with the text itself as the reason.
func (p *Parser) Parse(raw string) TradingSignal {
	if p.structured {
		if sig, ok := parseStructured(raw); ok {
			return sig
		}
	}

	values := make(map[Field]string, len(p.grammar.Rules))
	for _, rule := range p.grammar.Rules {
		value, _ := rule.Extract(raw)
		values[rule.Field] = value
	}

	sig := TradingSignal{
		Direction:  ParseDirection(values[FieldDirection]),
		StopLoss:   valueOr(values[FieldStopLoss], "-"),
		TakeProfit: valueOr(values[FieldTakeProfit], "-"),
		Comment:    values[FieldComment],
	}

	reason := values[FieldReason]
	if reason == "" {
		reason = p.firstPlainLine(raw)
	}
	if reason == "" {
		reason = strings.TrimSpace(raw)
	}
	sig.Reason = combineReason(reason, sig.Comment)
	return sig
}

func (p *Parser) firstPlainLine(raw string) string {
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || p.grammar.IsLabelLine(line) {
			continue
		}
		return line
	}
	return ""
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

type structuredReply struct {
	Signal     looseString `json:"signal"`
	Direction  looseString `json:"direction"`
	Reason     looseString `json:"reason"`
	StopLoss   looseString `json:"stop_loss"`
	SL         looseString `json:"sl"`
	TakeProfit looseString `json:"take_profit"`
	TP         looseString `json:"tp"`
	Comment    looseString `json:"comment"`
}

// looseString accepts JSON strings as well as bare numbers such as 234.2.
type looseString string

func (s *looseString) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" {
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = looseString(v)
		return nil
	}
	*s = looseString(raw)
	return nil
}

// parseStructured handles replies where the generator answered with a JSON
// object instead of the numbered template.
func parseStructured(raw string) (TradingSignal, bool) {
	body := strings.TrimSpace(raw)
	if strings.HasPrefix(body, "```") {
		body = strings.TrimPrefix(body, "```json")
		body = strings.TrimPrefix(body, "```JSON")
		body = strings.TrimPrefix(body, "```")
		body = strings.TrimSuffix(strings.TrimSpace(body), "```")
		body = strings.TrimSpace(body)
	}
	if !strings.HasPrefix(body, "{") {
		return TradingSignal{}, false
	}

	var reply structuredReply
	if err := json.Unmarshal([]byte(body), &reply); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(body)
		if repairErr != nil {
			return TradingSignal{}, false
		}
		reply = structuredReply{}
		if err := json.Unmarshal([]byte(repaired), &reply); err != nil {
			return TradingSignal{}, false
		}
	}

	token := firstNonEmpty(string(reply.Signal), string(reply.Direction))
	if strings.TrimSpace(token) == "" {
		return TradingSignal{}, false
	}

	sig := TradingSignal{
		Direction:  ParseDirection(token),
		StopLoss:   valueOr(cleanValue(firstNonEmpty(string(reply.StopLoss), string(reply.SL))), "-"),
		TakeProfit: valueOr(cleanValue(firstNonEmpty(string(reply.TakeProfit), string(reply.TP))), "-"),
		Comment:    cleanValue(string(reply.Comment)),
	}
	reason := cleanValue(string(reply.Reason))
	if reason == "" {
		reason = body
	}
	sig.Reason = combineReason(reason, sig.Comment)
	return sig, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
