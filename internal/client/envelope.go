package client

import (
	"strings"

	"github.com/tidwall/gjson"
)

// envelopeKeys lists the wrapper keys panels use for the useful payload,
// in lookup order.
var envelopeKeys = []string{"obj", "data", "result"}

// Payload is the normalized result of a panel call. Found is false when
// none of the envelope keys carried a non-null value.
type Payload struct {
	Found bool
	Key   string
	Value gjson.Result
}

// Missing is the empty Payload.
var Missing = Payload{}

// NormalizeEnvelope returns the first non-null envelope value in body.
func NormalizeEnvelope(body []byte) Payload {
	for _, key := range envelopeKeys {
		v := gjson.GetBytes(body, key)
		if v.Exists() && v.Type != gjson.Null {
			return Payload{Found: true, Key: key, Value: v}
		}
	}
	return Missing
}

// envelopeSuccess reads the success flag. Panels use either a boolean
// "success" or a "status" that is true or "success". known is false when
// neither field is present.
func envelopeSuccess(body []byte) (ok bool, known bool) {
	for _, key := range []string{"success", "status"} {
		v := gjson.GetBytes(body, key)
		if !v.Exists() {
			continue
		}
		known = true
		switch v.Type {
		case gjson.True:
			return true, true
		case gjson.String:
			if strings.EqualFold(v.Str, "success") || strings.EqualFold(v.Str, "true") {
				return true, true
			}
		}
	}
	return false, known
}

// envelopeMessage returns the panel's human readable message, if any.
func envelopeMessage(body []byte) string {
	for _, key := range []string{"msg", "message", "error"} {
		if v := gjson.GetBytes(body, key); v.Exists() && v.Type == gjson.String {
			return v.Str
		}
	}
	return ""
}

// AsJSON returns the payload as raw JSON. String payloads that hold JSON
// (3x-ui stores settings that way) are unwrapped.
func AsJSON(v gjson.Result) string {
	if v.Type == gjson.String {
		return v.Str
	}
	return v.Raw
}
