package metadata

import (
	"encoding/json"

	"github.com/dreamware/anvil/internal/objectmeta"
)

func encodeShardMap(m objectmeta.ShardMap) []byte {
	if len(m) == 0 {
		return []byte("{}")
	}
	b, err := json.Marshal(m)
	if err != nil {
		return []byte("{}")
	}
	return b
}

func decodeShardMap(raw []byte) objectmeta.ShardMap {
	if len(raw) == 0 {
		return objectmeta.ShardMap{}
	}
	var m objectmeta.ShardMap
	if err := json.Unmarshal(raw, &m); err != nil {
		return objectmeta.ShardMap{}
	}
	return m
}
