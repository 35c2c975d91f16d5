// Package canonical implements the single canonical-JSON serializer used by
// every hash-chain producer and verifier in this service: the audit log,
// the shadow ledger's exposure-event chain, the decision token signer, and
// the evidence-pack builder. Centralizing it here is deliberate — spec §9
// calls canonical JSON "the hardest correctness surface," and any drift
// between a producer and a verifier is a silent tamper signal rather than a
// loud bug.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Marshal renders v as canonical JSON: object keys sorted lexicographically
// at every depth, compact separators, array order preserved, and numbers
// rendered in the input's natural decimal form (via json.Number when the
// input was decoded with UseNumber, or Go's default float/int formatting
// otherwise).
func Marshal(v interface{}) ([]byte, error) {
	// Round-trip through a generic representation so map key ordering and
	// nested structures are normalized the same way regardless of the
	// concrete input type (struct, map, or already-decoded interface{}).
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal input: %w", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var generic interface{}
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical: decode for normalization: %w", err)
	}

	var buf bytes.Buffer
	if err := encode(&buf, generic); err != nil {
		return nil, fmt.Errorf("canonical: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// MustMarshal panics on error. Reserved for call sites where v's
// marshalability is a program invariant (e.g. a struct with no channel,
// func, or unsupported field types) and an error would indicate a coding
// bug, not bad input.
func MustMarshal(v interface{}) []byte {
	out, err := Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("canonical: %v", err))
	}
	return out
}

func encode(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(val.String())
	case string:
		return encodeString(buf, val)
	case []interface{}:
		return encodeArray(buf, val)
	case map[string]interface{}:
		return encodeObject(buf, val)
	default:
		return fmt.Errorf("unsupported type %T in canonical encoding", v)
	}
	return nil
}

func encodeArray(buf *bytes.Buffer, arr []interface{}) error {
	buf.WriteByte('[')
	for i, item := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encode(buf, item); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func encodeObject(buf *bytes.Buffer, obj map[string]interface{}) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := encode(buf, obj[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// encodeString reuses encoding/json's string escaping by marshaling the
// string on its own; this keeps Unicode/control-character escaping
// identical to what every JSON consumer of this payload expects.
func encodeString(buf *bytes.Buffer, s string) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}
