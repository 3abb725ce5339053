package metadata

import (
	"encoding/json"

	"github.com/dreamware/anvil/internal/objectmeta"
)

func encodeStripeMeta(m objectmeta.StripeMeta) []byte {
	if len(m) == 0 {
		return []byte("{}")
	}
	b, err := json.Marshal(m)
	if err != nil {
		return []byte("{}")
	}
	return b
}

func decodeStripeMeta(raw []byte) objectmeta.StripeMeta {
	if len(raw) == 0 {
		return objectmeta.StripeMeta{}
	}
	var m objectmeta.StripeMeta
	if err := json.Unmarshal(raw, &m); err != nil {
		return objectmeta.StripeMeta{}
	}
	return m
}
