package envelope

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const plainBody = `{"Unix": 1700000000000, "Version": "1.0", "Data": {"plc-1": {"Temperature": 21.5, "Pressure": "3.2", "Running": true}}}`

func TestNormalizePlain(t *testing.T) {
	batches, err := Normalize("plc-1/pub_data", []byte(plainBody))
	require.NoError(t, err)
	require.Len(t, batches, 1)

	b := batches[0]
	require.Equal(t, "plc-1", b.DeviceRef)
	require.Equal(t, "plc-1/pub_data", b.Topic)
	require.Equal(t, "1.0", b.Version)
	require.False(t, b.UnknownVersion)
	require.Equal(t, int64(1700000000000), b.Timestamp)
	require.Equal(t, []Sample{
		{Tag: "Pressure", Value: 3.2, Timestamp: 1700000000000},
		{Tag: "Running", Value: 1, Timestamp: 1700000000000},
		{Tag: "Temperature", Value: 21.5, Timestamp: 1700000000000},
	}, b.Samples)
}

func TestNormalizeShapesAreEquivalent(t *testing.T) {
	shapes := map[string]string{
		"variant":         `{"Variant": [` + plainBody + `]}`,
		"list":            `[` + plainBody + `]`,
		"nested list":     `[[` + plainBody + `]]`,
		"list of variant": `[{"Variant": [` + plainBody + `]}]`,
		"variant object":  `{"Variant": ` + plainBody + `}`,
	}

	want, err := Normalize("plc-1/pub_data", []byte(plainBody))
	require.NoError(t, err)

	for name, body := range shapes {
		t.Run(name, func(t *testing.T) {
			got, err := Normalize("plc-1/pub_data", []byte(body))
			require.NoError(t, err)
			require.Equal(t, want, got)
		})
	}
}

func TestNormalizeVariableContainers(t *testing.T) {
	tests := []struct {
		name string
		vars string
	}{
		{"object", `{"A": 1, "B": 2}`},
		{"tag entries", `[{"Tag": "A", "Value": 1}, {"Tag": "B", "Value": 2}]`},
		{"name entries", `[{"Name": "A", "Value": 1}, {"Name": "B", "Value": "2"}]`},
		{"single entry maps", `[{"A": 1}, {"B": 2}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := fmt.Sprintf(`{"Unix": "1000", "Version": "1.1", "Data": {"dev": %s}}`, tt.vars)
			batches, err := Normalize("x", []byte(body))
			require.NoError(t, err)
			require.Len(t, batches, 1)
			require.Equal(t, []Sample{
				{Tag: "A", Value: 1, Timestamp: 1000},
				{Tag: "B", Value: 2, Timestamp: 1000},
			}, batches[0].Samples)
		})
	}
}

func TestNormalizeMultipleDevicesSorted(t *testing.T) {
	body := `{"Unix": 5, "Version": "2.0", "Data": {"zeta": {"t": 1}, "alpha": {"t": 2}}}`

	batches, err := Normalize("gw/pub_data", []byte(body))
	require.NoError(t, err)
	require.Len(t, batches, 2)
	require.Equal(t, "alpha", batches[0].DeviceRef)
	require.Equal(t, "zeta", batches[1].DeviceRef)
}

func TestNormalizeFlatDataUsesTopicDevice(t *testing.T) {
	body := `{"Unix": 5, "Version": "1.0", "Data": {"Temperature": 20}}`

	batches, err := Normalize("7/pub_data", []byte(body))
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Equal(t, "7", batches[0].DeviceRef)
	require.Equal(t, "Temperature", batches[0].Samples[0].Tag)

	_, err = Normalize("no-convention", []byte(body))
	require.ErrorIs(t, err, ErrNoDevice)
}

func TestNormalizeSkipsNonNumericValues(t *testing.T) {
	body := `{"Unix": 5, "Version": "1.0", "Data": {"d": {"ok": 1, "label": "running", "nested": {"x": 1}, "nothing": null, "off": false}}}`

	batches, err := Normalize("t", []byte(body))
	require.NoError(t, err)
	b := batches[0]
	require.Equal(t, []string{"label", "nested", "nothing"}, b.Skipped)
	require.Equal(t, []Sample{{Tag: "off", Value: 0, Timestamp: 5}, {Tag: "ok", Value: 1, Timestamp: 5}}, b.Samples)
}

func TestNormalizeUnknownVersionAccepted(t *testing.T) {
	body := `{"Unix": 5, "Version": "9.9-beta", "Data": {"d": {"t": 1}}}`

	batches, err := Normalize("t", []byte(body))
	require.NoError(t, err)
	require.True(t, batches[0].UnknownVersion)
	require.Equal(t, "9.9-beta", batches[0].Version)
}

func TestNormalizeDeviceType(t *testing.T) {
	body := `{"Unix": 5, "Version": "1.0", "Type": "hmi", "Data": {"d": {"t": 1}}}`

	batches, err := Normalize("t", []byte(body))
	require.NoError(t, err)
	require.NotNil(t, batches[0].DeviceType)
	require.Equal(t, "hmi", *batches[0].DeviceType)
}

func TestNormalizeParseError(t *testing.T) {
	for _, body := range []string{``, `{`, `{"Unix": 1,}`, `not json`} {
		_, err := Normalize("t", []byte(body))

		var perr *ParseError
		require.True(t, errors.As(err, &perr), "body %q: %v", body, err)
		require.Equal(t, "t", perr.Topic)
	}
}

func TestNormalizeValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"no version", `{"Unix": 5, "Data": {"d": {"t": 1}}}`, ErrNoVersion},
		{"empty version", `{"Unix": 5, "Version": " ", "Data": {"d": {"t": 1}}}`, ErrNoVersion},
		{"numeric version", `{"Unix": 5, "Version": 1, "Data": {"d": {"t": 1}}}`, ErrBadVersion},
		{"no unix", `{"Version": "1.0", "Data": {"d": {"t": 1}}}`, ErrNoTimestamp},
		{"empty unix", `{"Unix": "", "Version": "1.0", "Data": {"d": {"t": 1}}}`, ErrNoTimestamp},
		{"bad unix", `{"Unix": "yesterday", "Version": "1.0", "Data": {"d": {"t": 1}}}`, ErrBadTimestamp},
		{"negative unix", `{"Unix": -1, "Version": "1.0", "Data": {"d": {"t": 1}}}`, ErrBadTimestamp},
		{"no data", `{"Unix": 5, "Version": "1.0"}`, ErrNoData},
		{"scalar body", `42`, ErrNotObject},
		{"empty wrapper", `[]`, ErrWrapperLength},
		{"two element wrapper", `[` + plainBody + `,` + plainBody + `]`, ErrWrapperLength},
		{"too deep", strings.Repeat("[", 10) + plainBody + strings.Repeat("]", 10), ErrTooDeep},
		{"bad entry", `{"Unix": 5, "Version": "1.0", "Data": {"d": [{"a": 1, "b": 2}]}}`, ErrBadVars},
		{"empty tag", `{"Unix": 5, "Version": "1.0", "Data": {"d": {"": 1}}}`, ErrTagNameEmpty},
		{"long tag", `{"Unix": 5, "Version": "1.0", "Data": {"d": {"` + strings.Repeat("x", 257) + `": 1}}}`, ErrTagNameTooLong},
		{"long device", `{"Unix": 5, "Version": "1.0", "Data": {"` + strings.Repeat("d", 257) + `": {"t": 1}}}`, ErrDeviceNameTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize("t", []byte(tt.body))
			require.ErrorIs(t, err, tt.want)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
		})
	}
}

func TestNormalizeTooManyTags(t *testing.T) {
	var sb strings.Builder
	sb.WriteString(`{"Unix": 5, "Version": "1.0", "Data": {"d": {`)
	for i := 0; i < 1001; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		fmt.Fprintf(&sb, `"t%d": %d`, i, i)
	}
	sb.WriteString(`}}}`)

	_, err := Normalize("t", []byte(sb.String()))
	require.ErrorIs(t, err, ErrTooManyTags)
}

func TestNormalizeIsDeterministic(t *testing.T) {
	body := `{"Unix": 5, "Version": "1.0", "Data": {"b": {"y": 1, "x": 2}, "a": [{"Tag": "z", "Value": 3}]}}`

	first, err := Normalize("t", []byte(body))
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Normalize("t", []byte(body))
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestDeviceFromTopic(t *testing.T) {
	tests := map[string]string{
		"plc-1/pub_data":       "plc-1",
		"site/line/7/pub_data": "site/line/7",
		"plc-1/data":           "plc-1",
		"plc-1/sub_data":       "",
		"pub_data":             "",
		"/pub_data":            "",
	}
	for topic, want := range tests {
		require.Equal(t, want, DeviceFromTopic(topic), topic)
	}
}
