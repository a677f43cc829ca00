package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	gmath "github.com/ethereum/go-ethereum/common/math"
)

// rawEvent mirrors the parsed Move event payload. Amount fields stay raw so that both
// string-encoded and numeric u64/u128 values are accepted.
type rawEvent struct {
	InvestorID string          `json:"investor_id"`
	Timestamp  json.RawMessage `json:"timestamp"`

	CompoundAmountA json.RawMessage `json:"compound_amount_a"`
	CompoundAmountB json.RawMessage `json:"compound_amount_b"`
	TotalAmountA    json.RawMessage `json:"total_amount_a"`
	TotalAmountB    json.RawMessage `json:"total_amount_b"`

	CompoundAmount json.RawMessage `json:"compound_amount"`
	TotalAmount    json.RawMessage `json:"total_amount"`
}

// UnmarshalJSON decodes an on-chain event payload. The shape is decided here, once: the
// presence of both total_amount_a and total_amount_b makes a dual-asset event, total_amount
// a single-asset one.
func (e *CompoundingEvent) UnmarshalJSON(data []byte) error {
	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	ev := CompoundingEvent{InvestorID: InvestorID(raw.InvestorID)}
	if present(raw.Timestamp) {
		ts, err := parseTimestamp(raw.Timestamp)
		if err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		ev.Timestamp = ts
	}

	switch {
	case present(raw.TotalAmountA) && present(raw.TotalAmountB):
		var d DualAssetAmounts
		fields := []struct {
			name string
			raw  json.RawMessage
			dst  **big.Int
		}{
			{"compound_amount_a", raw.CompoundAmountA, &d.CompoundA},
			{"compound_amount_b", raw.CompoundAmountB, &d.CompoundB},
			{"total_amount_a", raw.TotalAmountA, &d.TotalA},
			{"total_amount_b", raw.TotalAmountB, &d.TotalB},
		}
		for _, f := range fields {
			v, err := ParseAmount(f.raw)
			if err != nil {
				return fmt.Errorf("%s: %w", f.name, err)
			}
			*f.dst = v
		}
		ev.Dual = &d
	case present(raw.TotalAmount):
		compound, err := ParseAmount(raw.CompoundAmount)
		if err != nil {
			return fmt.Errorf("compound_amount: %w", err)
		}
		total, err := ParseAmount(raw.TotalAmount)
		if err != nil {
			return fmt.Errorf("total_amount: %w", err)
		}
		ev.Single = &SingleAssetAmounts{Compound: compound, Total: total}
	default:
		return ErrUnknownEventShape
	}

	*e = ev
	return nil
}

// ParseAmount parses a token amount given as a JSON string or number, in decimal or 0x-hex.
// A missing amount decodes as zero.
func ParseAmount(raw json.RawMessage) (*big.Int, error) {
	if !present(raw) {
		return new(big.Int), nil
	}
	s := string(bytes.Trim(raw, `"`))
	v, ok := gmath.ParseBig256(s)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %q", s)
	}
	return v, nil
}

func parseTimestamp(raw json.RawMessage) (int64, error) {
	s := string(bytes.Trim(raw, `"`))
	return strconv.ParseInt(s, 10, 64)
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}
