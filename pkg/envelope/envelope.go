package envelope

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
)

// KnownVersions lists protocol versions devices are known to send. Other
// non-empty versions are accepted and flagged with Batch.UnknownVersion.
var KnownVersions = map[string]bool{
	"1.0": true,
	"1.1": true,
	"2.0": true,
}

// Sample is one normalized (tag, value, timestamp) reading.
type Sample struct {
	Tag       string  `json:"tag"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"ts"`
}

// Batch is every sample one envelope carried for one device.
type Batch struct {
	// Assigned downstream by the ingestion pipeline, zero out of Normalize
	ID       string `json:"batch_id,omitempty"`
	DeviceID int64  `json:"device_id,omitempty"`

	DeviceRef      string   `json:"device"`
	DeviceType     *string  `json:"device_type,omitempty"`
	Topic          string   `json:"topic"`
	Version        string   `json:"version"`
	UnknownVersion bool     `json:"unknown_version,omitempty"`
	Timestamp      int64    `json:"ts"`
	Samples        []Sample `json:"samples"`

	// Tags whose values were neither numeric nor boolean
	Skipped []string `json:"skipped,omitempty"`
}

// Normalize turns one raw message body into per-device batches.
//
// Accepted shapes, selected by inspecting the body:
//
//	plain    {"Unix": ..., "Version": "1.0", "Data": {"plc-1": {"Temp": 21.5}}}
//	variant  {"Variant": [<plain>]}
//	list     [<plain or variant>]
//
// Wrapper lists may nest. Batches are sorted by device ref and samples by tag,
// so identical input always yields identical output.
func Normalize(topic string, body []byte) ([]Batch, error) {
	body = bytes.TrimSpace(body)
	if !json.Valid(body) {
		var v any
		return nil, &ParseError{Topic: topic, Err: json.Unmarshal(body, &v)}
	}

	env, err := decode(body, 0)
	if err != nil {
		return nil, invalid(topic, err)
	}

	batches, err := env.batches(DeviceFromTopic(topic))
	if err != nil {
		return nil, invalid(topic, err)
	}
	for i := range batches {
		batches[i].Topic = topic
	}
	sort.Slice(batches, func(i, j int) bool { return batches[i].DeviceRef < batches[j].DeviceRef })
	return batches, nil
}

// DeviceFromTopic extracts <ref> from a "<ref>/pub_data" style topic. It
// returns "" when the topic does not follow that convention.
func DeviceFromTopic(topic string) string {
	i := strings.LastIndexByte(topic, '/')
	if i <= 0 {
		return ""
	}
	switch topic[i+1:] {
	case "pub_data", "data":
		return topic[:i]
	}
	return ""
}
