package lineitem

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Encode serialises items into the upstream order_items form: a flat JSON
// object of product ref to quantity. Unset slots and non-positive quantities
// are omitted. A ref held by several slots is written once with the summed
// quantity, keyed at its first position.
func Encode(items []Item) string {
	order := make([]string, 0, len(items))
	qty := make(map[string]int, len(items))
	for _, it := range items {
		if !it.IsSet() || it.Quantity < 1 {
			continue
		}
		if _, seen := qty[it.ProductRef]; !seen {
			order = append(order, it.ProductRef)
		}
		qty[it.ProductRef] += it.Quantity
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, ref := range order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(ref)
		buf.Write(key)
		buf.WriteByte(':')
		fmt.Fprintf(&buf, "%d", qty[ref])
	}
	buf.WriteByte('}')
	return buf.String()
}

// Decode parses order_items as received from upstream. raw may be a JSON
// string wrapping the object or the object itself. Empty or malformed input
// yields a single empty slot. Entries with a non-integral or non-positive
// quantity are dropped.
func Decode(raw []byte) []Item {
	items, err := decode(raw)
	if err != nil || len(items) == 0 {
		return []Item{{Quantity: 1}}
	}
	return items
}

// DecodeStrict behaves like Decode but reports malformed input.
func DecodeStrict(raw []byte) ([]Item, error) {
	return decode(raw)
}

var errMalformed = errors.New("lineitem: malformed order_items")

func decode(raw []byte) ([]Item, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, fmt.Errorf("%w: %v", errMalformed, err)
		}
		inner = strings.TrimSpace(inner)
		if inner == "" {
			return nil, nil
		}
		raw = []byte(inner)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("%w: expected object", errMalformed)
	}
	var items []Item
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errMalformed, err)
		}
		key, _ := keyTok.(string)
		var value any
		if err := dec.Decode(&value); err != nil {
			return nil, fmt.Errorf("%w: %v", errMalformed, err)
		}
		qty, ok := quantityOf(value)
		if !ok || qty < 1 || strings.TrimSpace(key) == "" {
			continue
		}
		items = append(items, Item{ProductRef: strings.TrimSpace(key), Quantity: qty})
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	return items, nil
}

func quantityOf(v any) (int, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
		f, err := n.Float64()
		if err != nil || f != float64(int64(f)) {
			return 0, false
		}
		return int(f), true
	case string:
		return quantityOf(json.Number(strings.TrimSpace(n)))
	default:
		return 0, false
	}
}
