package pubsub

import "encoding/json"

// pack serializes a JSON-representable value to its wire form. This is
// deliberately the thinnest possible wrapper: encoding is out of scope for
// this package's contract, it need only round-trip via unpack.
func pack(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// unpack inverts pack. Arbitrary strings that happen to be valid JSON are
// accepted; anything else yields an error the caller reports as a
// DecodeError rather than dispatching.
func unpack(raw string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, err
	}
	return v, nil
}
