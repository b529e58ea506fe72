package document

import (
	"encoding/json"

	"github.com/cuemby/solidb/internal/value"
)

// encodeDocument serializes doc to the DOC/<key> wire format: a single
// JSON object carrying both system fields and Data.
func encodeDocument(doc Document) ([]byte, error) {
	return json.Marshal(doc.ToValue())
}

// decodeDocument is encodeDocument's inverse.
func decodeDocument(raw []byte) (Document, error) {
	var v value.Value
	if err := json.Unmarshal(raw, &v); err != nil {
		return Document{}, err
	}
	return FromValue(v), nil
}
