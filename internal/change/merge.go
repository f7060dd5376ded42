package change

import (
	"github.com/juju/errors"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// MergeFields applies the top-level fields of patch onto base, in the
// manner of a JSON merge patch: a null value removes the field, anything
// else replaces it. Both documents must be JSON objects.
func MergeFields(base, patch []byte) ([]byte, error) {
	if !IsObject(base) {
		return nil, errors.NotValidf("merge base")
	}
	if !IsObject(patch) {
		return nil, errors.NotValidf("merge patch")
	}
	out := append([]byte(nil), base...)
	var err error
	gjson.ParseBytes(patch).ForEach(func(key, value gjson.Result) bool {
		path := gjson.Escape(key.String())
		if value.Type == gjson.Null {
			out, err = sjson.DeleteBytes(out, path)
		} else {
			out, err = sjson.SetRawBytes(out, path, []byte(value.Raw))
		}
		return err == nil
	})
	if err != nil {
		return nil, errors.Annotate(err, "merging fields")
	}
	return out, nil
}

// IsObject reports whether data is a valid JSON object.
func IsObject(data []byte) bool {
	return len(data) > 0 && gjson.ValidBytes(data) && gjson.ParseBytes(data).IsObject()
}
