package telemetry

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseReportKeepsFieldOrder(t *testing.T) {
	r, err := ParseReport([]byte(`{"index":2,"report":{"temperature":40,"input":5,"output":50,"reflected":30}}`))
	require.NoError(t, err)
	require.Equal(t, 2, r.Index)
	require.Equal(t, []string{"temperature", "input", "output", "reflected"}, r.Fields.Names())

	v, ok := r.Number("output")
	require.True(t, ok)
	require.Equal(t, 50.0, v)
}

func TestParseReportErrors(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"report":{"input":1}}`,
		`{"index":1,"report":[1,2]}`,
		`{"index":"one","report":{}}`,
		`{"index":"2","report":{}}`,
		`{"index":2.5,"report":{}}`,
		`{"index":null,"report":{}}`,
		`{"index":1e20,"report":{}}`,
	} {
		_, err := ParseReport([]byte(raw))
		require.Error(t, err, raw)
	}
}

func TestParseReportIntegralIndex(t *testing.T) {
	for _, raw := range []string{`2`, `2.0`, `2e0`, `20e-1`} {
		r, err := ParseReport([]byte(`{"index":` + raw + `,"report":{}}`))
		require.NoError(t, err, raw)
		require.Equal(t, 2, r.Index, raw)
	}
}

func TestParseReportDuplicateKeyKeepsLastValue(t *testing.T) {
	r, err := ParseReport([]byte(`{"index":0,"report":{"input":1,"output":2,"input":3}}`))
	require.NoError(t, err)
	require.Equal(t, []string{"input", "output"}, r.Fields.Names())
	v, _ := r.Number("input")
	require.Equal(t, 3.0, v)
}

func TestFieldText(t *testing.T) {
	cases := map[string]string{
		`5`:      "5",
		`5.0`:    "5",
		`1.25`:   "1.25",
		`-1`:     "-1",
		`"hot"`:  "hot",
		`null`:   "",
		`true`:   "true",
		`1e3`:    "1000",
		`1e400`:  "Infinity",
		`-1e400`: "-Infinity",
	}
	for raw, want := range cases {
		f := Field{Name: "x", Raw: json.RawMessage(raw)}
		require.Equal(t, want, f.Text(), raw)
	}
}

func TestFieldFloatRejectsNonNumbers(t *testing.T) {
	for _, raw := range []string{`"50"`, `null`, `true`, `{}`, ``} {
		_, ok := Field{Name: "output", Raw: json.RawMessage(raw)}.Float()
		require.False(t, ok, raw)
	}
}

func TestFieldFloatOverflowIsInfinite(t *testing.T) {
	v, ok := Field{Name: "input", Raw: json.RawMessage(`1e400`)}.Float()
	require.True(t, ok)
	require.True(t, math.IsInf(v, 1))

	v, ok = Field{Name: "input", Raw: json.RawMessage(`-1e400`)}.Float()
	require.True(t, ok)
	require.True(t, math.IsInf(v, -1))
}

func TestReportMarshalRoundTripsOrder(t *testing.T) {
	r := NewReport(1, Number("output", 43), Number("input", 2.5), Number("vswr", -1))
	data, err := json.Marshal(r)
	require.NoError(t, err)
	require.JSONEq(t, `{"index":1,"report":{"output":43,"input":2.5,"vswr":-1}}`, string(data))
	require.Equal(t, `{"index":1,"report":{"output":43,"input":2.5,"vswr":-1}}`, string(data))
}
