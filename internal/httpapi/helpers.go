package httpapi

import (
	"encoding/json"
	"errors"
	"io"
)

var errTrailingJSON = errors.New("request body holds more than one JSON value")

// decodeStrict decodes exactly one JSON document from body into dst and
// refuses unknown fields.
func decodeStrict(body io.Reader, dst any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errTrailingJSON
	}
	return nil
}
