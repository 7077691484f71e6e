package types

import (
	"bytes"
	"encoding/json"
)

// CanonicalJSON renders v as deterministic JSON: sorted keys, compact
// separators, one trailing newline. Numbers survive the round trip verbatim
// via json.Number.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}
