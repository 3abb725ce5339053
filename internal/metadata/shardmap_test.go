package metadata

import (
	"reflect"
	"testing"

	"github.com/dreamware/anvil/internal/objectmeta"
)

func TestShardMapRoundtrip(t *testing.T) {
	tests := []struct {
		name string
		in   objectmeta.ShardMap
	}{
		{name: "empty map", in: objectmeta.ShardMap{}},
		{name: "single stripe", in: objectmeta.ShardMap{0: {"peer-a", "peer-b", "peer-c", "peer-d", "peer-e", "peer-f"}}},
		{name: "multiple stripes", in: objectmeta.ShardMap{
			0: {"peer-a", "peer-b"},
			1: {"peer-c", "peer-d"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := encodeShardMap(tt.in)
			got := decodeShardMap(encoded)
			want := tt.in
			if len(want) == 0 {
				want = objectmeta.ShardMap{}
			}
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("roundtrip mismatch: got %v, want %v", got, want)
			}
		})
	}
}

func TestDecodeShardMapHandlesEmptyInput(t *testing.T) {
	if got := decodeShardMap(nil); len(got) != 0 {
		t.Fatalf("expected empty map for nil input, got %v", got)
	}
}
