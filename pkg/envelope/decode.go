package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/nicktill/tagstream/pkg/config"
)

const maxWrapperDepth = 8

// plain is the canonical envelope, after any wrappers are peeled off.
type plain struct {
	unix    int64
	version string
	devType *string
	data    map[string]json.RawMessage
}

// wire mirrors the JSON object; encoding/json matches names case-insensitively
type wire struct {
	Unix    json.RawMessage            `json:"Unix"`
	Version json.RawMessage            `json:"Version"`
	Type    *string                    `json:"Type"`
	Data    map[string]json.RawMessage `json:"Data"`
	Variant json.RawMessage            `json:"Variant"`
}

// decode selects the variant decoder from the body's structure.
func decode(raw json.RawMessage, depth int) (plain, error) {
	if depth > maxWrapperDepth {
		return plain{}, ErrTooDeep
	}

	switch firstByte(raw) {
	case '[':
		return decodeList(raw, depth)
	case '{':
		var w wire
		if err := json.Unmarshal(raw, &w); err != nil {
			return plain{}, fmt.Errorf("%w: %v", ErrNotObject, err)
		}
		if !isNull(w.Variant) {
			return decodeVariant(w.Variant, depth)
		}
		return decodePlain(w)
	default:
		return plain{}, ErrNotObject
	}
}

// decodeList unwraps [<envelope>]
func decodeList(raw json.RawMessage, depth int) (plain, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return plain{}, fmt.Errorf("%w: %v", ErrNotObject, err)
	}
	if len(items) != 1 {
		return plain{}, fmt.Errorf("%w: got %d", ErrWrapperLength, len(items))
	}
	return decode(items[0], depth+1)
}

// decodeVariant unwraps {"Variant": [<envelope>]}
func decodeVariant(raw json.RawMessage, depth int) (plain, error) {
	if firstByte(raw) != '[' {
		return decode(raw, depth+1)
	}
	return decodeList(raw, depth)
}

func decodePlain(w wire) (plain, error) {
	p := plain{devType: w.Type, data: w.Data}

	version, err := parseVersion(w.Version)
	if err != nil {
		return p, err
	}
	p.version = version

	unix, err := parseUnix(w.Unix)
	if err != nil {
		return p, err
	}
	p.unix = unix

	if w.Data == nil {
		return p, ErrNoData
	}
	return p, nil
}

func parseVersion(raw json.RawMessage) (string, error) {
	if isNull(raw) {
		return "", ErrNoVersion
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", ErrBadVersion
	}
	if v = strings.TrimSpace(v); v == "" {
		return "", ErrNoVersion
	}
	return v, nil
}

// parseUnix accepts a number or a numeric string of unix milliseconds
func parseUnix(raw json.RawMessage) (int64, error) {
	if isNull(raw) {
		return 0, ErrNoTimestamp
	}

	text := string(raw)
	if firstByte(raw) == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, ErrBadTimestamp
		}
		text = strings.TrimSpace(text)
	}
	if text == "" {
		return 0, ErrNoTimestamp
	}

	ms, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(text, 64)
		if ferr != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, fmt.Errorf("%w: %q", ErrBadTimestamp, text)
		}
		ms = int64(f)
	}
	if ms <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrBadTimestamp, ms)
	}
	return ms, nil
}

// batches splits the data field into one batch per device. Entries holding
// an object or a list are devices; scalar entries are tags of topicDevice.
func (p plain) batches(topicDevice string) ([]Batch, error) {
	var loose map[string]json.RawMessage
	var out []Batch

	for _, name := range sortedKeys(p.data) {
		raw := p.data[name]
		switch firstByte(raw) {
		case '{', '[':
			b, err := p.batch(name, raw)
			if err != nil {
				return nil, err
			}
			out = append(out, b)
		default:
			if loose == nil {
				loose = make(map[string]json.RawMessage)
			}
			loose[name] = raw
		}
	}

	if loose != nil {
		if topicDevice == "" {
			return nil, ErrNoDevice
		}
		raw, err := json.Marshal(loose)
		if err != nil {
			return nil, err
		}
		b, err := p.batch(topicDevice, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (p plain) batch(device string, raw json.RawMessage) (Batch, error) {
	if err := validateDevice(device); err != nil {
		return Batch{}, err
	}

	vars, err := decodeVars(raw)
	if err != nil {
		return Batch{}, fmt.Errorf("device %q: %w", device, err)
	}
	if len(vars) > config.MaxTagsPerDevice {
		return Batch{}, fmt.Errorf("%w: device %q has %d", ErrTooManyTags, device, len(vars))
	}

	b := Batch{
		DeviceRef:      device,
		DeviceType:     p.devType,
		Version:        p.version,
		UnknownVersion: !KnownVersions[p.version],
		Timestamp:      p.unix,
		Samples:        make([]Sample, 0, len(vars)),
	}

	for _, tag := range sortedKeys(vars) {
		if err := validateTag(device, tag); err != nil {
			return Batch{}, err
		}
		value, ok := toFloat(vars[tag])
		if !ok {
			b.Skipped = append(b.Skipped, tag)
			continue
		}
		b.Samples = append(b.Samples, Sample{Tag: tag, Value: value, Timestamp: p.unix})
	}
	return b, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// decodeVars flattens the three variable container shapes into tag -> value:
//
//	{"Temp": 21.5, "Run": true}
//	[{"Tag": "Temp", "Value": 21.5}, {"Name": "Run", "Value": true}]
//	[{"Temp": 21.5}, {"Run": true}]
//
// A repeated tag keeps its last value.
func decodeVars(raw json.RawMessage) (map[string]any, error) {
	switch firstByte(raw) {
	case '{':
		var vars map[string]any
		if err := unmarshalNumbers(raw, &vars); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadVars, err)
		}
		return vars, nil
	case '[':
		var entries []map[string]any
		if err := unmarshalNumbers(raw, &entries); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadVars, err)
		}
		vars := make(map[string]any, len(entries))
		for _, e := range entries {
			tag, value, err := entry(e)
			if err != nil {
				return nil, err
			}
			vars[tag] = value
		}
		return vars, nil
	default:
		return nil, ErrBadVars
	}
}

func entry(e map[string]any) (string, any, error) {
	if value, ok := e["Value"]; ok {
		for _, key := range []string{"Tag", "Name"} {
			if tag, ok := e[key].(string); ok {
				return tag, value, nil
			}
		}
	}
	if len(e) == 1 {
		for tag, value := range e {
			return tag, value, nil
		}
	}
	return "", nil, fmt.Errorf("%w: entry with %d keys", ErrBadVars, len(e))
}

// toFloat keeps numbers, parses numeric strings and maps booleans to 1/0.
func toFloat(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case json.Number:
		parsed, err := x.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func unmarshalNumbers(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

func firstByte(raw []byte) byte {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0
	}
	return raw[0]
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || string(raw) == "null"
}
