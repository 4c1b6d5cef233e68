package model

import (
	"encoding/json"
	"fmt"

	"github.com/rafaeljc/bifrost/subsystems"
)

// ParseFeatureFlag deserializes and preprocesses one flag.
func ParseFeatureFlag(data []byte) (*FeatureFlag, error) {
	var flag FeatureFlag
	if err := json.Unmarshal(data, &flag); err != nil {
		return nil, fmt.Errorf("malformed feature flag JSON: %w", err)
	}
	flag.Preprocess()
	return &flag, nil
}

// ParseSegment deserializes and preprocesses one segment.
func ParseSegment(data []byte) (*Segment, error) {
	var segment Segment
	if err := json.Unmarshal(data, &segment); err != nil {
		return nil, fmt.Errorf("malformed segment JSON: %w", err)
	}
	segment.Preprocess()
	return &segment, nil
}

// ParseItem deserializes one item of the given kind into a store descriptor.
// Items whose payload carries "deleted": true become tombstones.
func ParseItem(kind subsystems.DataKind, data []byte) (subsystems.ItemDescriptor, error) {
	switch kind {
	case subsystems.DataKindFeatures:
		flag, err := ParseFeatureFlag(data)
		if err != nil {
			return subsystems.ItemDescriptor{}, err
		}
		if flag.Deleted {
			return subsystems.Tombstone(flag.Version), nil
		}
		return subsystems.ItemDescriptor{Version: flag.Version, Item: flag}, nil
	case subsystems.DataKindSegments:
		segment, err := ParseSegment(data)
		if err != nil {
			return subsystems.ItemDescriptor{}, err
		}
		if segment.Deleted {
			return subsystems.Tombstone(segment.Version), nil
		}
		return subsystems.ItemDescriptor{Version: segment.Version, Item: segment}, nil
	default:
		return subsystems.ItemDescriptor{}, fmt.Errorf("unknown data kind %q", kind)
	}
}

// MarshalItem serializes a store descriptor for a persistent store.
// Tombstones serialize as a minimal deleted-item placeholder.
func MarshalItem(key string, item subsystems.ItemDescriptor) (subsystems.SerializedItemDescriptor, error) {
	if item.IsDeleted() {
		data, err := json.Marshal(map[string]any{"key": key, "version": item.Version, "deleted": true})
		if err != nil {
			return subsystems.SerializedItemDescriptor{}, err
		}
		return subsystems.SerializedItemDescriptor{Version: item.Version, Deleted: true, Item: data}, nil
	}
	data, err := json.Marshal(item.Item)
	if err != nil {
		return subsystems.SerializedItemDescriptor{}, err
	}
	return subsystems.SerializedItemDescriptor{Version: item.Version, Item: data}, nil
}

// UnmarshalItem is the inverse of MarshalItem.
func UnmarshalItem(kind subsystems.DataKind, serialized subsystems.SerializedItemDescriptor) (subsystems.ItemDescriptor, error) {
	if serialized.Deleted || serialized.Item == nil {
		return subsystems.Tombstone(serialized.Version), nil
	}
	return ParseItem(kind, serialized.Item)
}

// allDataJSON is the shape of a full data set in both the polling response
// body and the streaming "put" event payload.
type allDataJSON struct {
	Flags    map[string]json.RawMessage `json:"flags"`
	Segments map[string]json.RawMessage `json:"segments"`
}

// ParseAllData deserializes a full data set into store collections, segments
// first. Each item's key field is overridden by its map key, which is
// authoritative in the wire format.
func ParseAllData(data []byte) ([]subsystems.Collection, error) {
	var all allDataJSON
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("malformed flag data payload: %w", err)
	}
	segments := subsystems.Collection{Kind: subsystems.DataKindSegments}
	for key, raw := range all.Segments {
		segment, err := ParseSegment(raw)
		if err != nil {
			return nil, fmt.Errorf("segment %q: %w", key, err)
		}
		segment.Key = key
		segments.Items = append(segments.Items, subsystems.KeyedItemDescriptor{
			Key:  key,
			Item: subsystems.ItemDescriptor{Version: segment.Version, Item: segment},
		})
	}
	flags := subsystems.Collection{Kind: subsystems.DataKindFeatures}
	for key, raw := range all.Flags {
		flag, err := ParseFeatureFlag(raw)
		if err != nil {
			return nil, fmt.Errorf("flag %q: %w", key, err)
		}
		flag.Key = key
		flags.Items = append(flags.Items, subsystems.KeyedItemDescriptor{
			Key:  key,
			Item: subsystems.ItemDescriptor{Version: flag.Version, Item: flag},
		})
	}
	return []subsystems.Collection{segments, flags}, nil
}

// MakeAllData assembles store collections from already-built model objects,
// used by test fixture data sources.
func MakeAllData(flags []*FeatureFlag, segments []*Segment) []subsystems.Collection {
	segmentColl := subsystems.Collection{Kind: subsystems.DataKindSegments}
	for _, s := range segments {
		segmentColl.Items = append(segmentColl.Items, subsystems.KeyedItemDescriptor{
			Key:  s.Key,
			Item: subsystems.ItemDescriptor{Version: s.Version, Item: s},
		})
	}
	flagColl := subsystems.Collection{Kind: subsystems.DataKindFeatures}
	for _, f := range flags {
		flagColl.Items = append(flagColl.Items, subsystems.KeyedItemDescriptor{
			Key:  f.Key,
			Item: subsystems.ItemDescriptor{Version: f.Version, Item: f},
		})
	}
	return []subsystems.Collection{segmentColl, flagColl}
}
