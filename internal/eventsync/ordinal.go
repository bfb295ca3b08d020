package eventsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Ordinal is a log-assigned position within a room. It travels as a
// decimal string on the wire so that consumers without 64-bit integers do
// not lose precision.
type Ordinal int64

// ParseOrdinal parses a decimal ordinal. The empty string parses as 0.
func ParseOrdinal(s string) (Ordinal, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse ordinal %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("parse ordinal %q: negative", s)
	}
	return Ordinal(n), nil
}

func (o Ordinal) String() string {
	return strconv.FormatInt(int64(o), 10)
}

// MarshalJSON encodes the ordinal as a decimal string.
func (o Ordinal) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(o.String())), nil
}

// UnmarshalJSON accepts either a decimal string or a JSON integer.
func (o *Ordinal) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*o = 0
		return nil
	}
	var s string
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("ordinal: %w", err)
		}
	} else {
		s = string(data)
	}
	n, err := ParseOrdinal(s)
	if err != nil {
		return err
	}
	*o = n
	return nil
}
