package derivs

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNum_UnmarshalJSON(t *testing.T) {
	var payload struct {
		Number   Num `json:"number"`
		String   Num `json:"string"`
		Sci      Num `json:"sci"`
		Empty    Num `json:"empty"`
		Null     Num `json:"null"`
		Garbage  Num `json:"garbage"`
		Object   Num `json:"object"`
		Bool     Num `json:"bool"`
		Missing  Num `json:"missing"`
		Negative Num `json:"negative"`
	}
	body := `{
		"number": 12.5,
		"string": "0.000125",
		"sci": "1e3",
		"empty": "",
		"null": null,
		"garbage": "n/a",
		"object": {"USD": 1},
		"bool": true,
		"negative": "-3"
	}`
	require.NoError(t, json.Unmarshal([]byte(body), &payload))

	assert.Equal(t, N(12.5), payload.Number)
	assert.Equal(t, N(0.000125), payload.String)
	assert.Equal(t, N(1000), payload.Sci)
	assert.False(t, payload.Empty.Valid)
	assert.False(t, payload.Null.Valid)
	assert.False(t, payload.Garbage.Valid)
	assert.False(t, payload.Object.Valid)
	assert.False(t, payload.Bool.Valid)
	assert.False(t, payload.Missing.Valid)
	assert.Equal(t, -3.0, payload.Negative.Value)
}

func TestNum_Accessors(t *testing.T) {
	assert.Equal(t, 0.0, Num{}.OrZero())
	assert.Nil(t, Num{}.Ptr())
	require.NotNil(t, N(0).Ptr())
	assert.Equal(t, 0.0, *N(0).Ptr())
	assert.Equal(t, 0.0, N(-1).NonNegative())
	assert.Equal(t, 2.0, N(2).NonNegative())
}

func TestNum_MarshalJSON(t *testing.T) {
	b, err := json.Marshal([]Num{N(1.5), {}})
	require.NoError(t, err)
	assert.JSONEq(t, `[1.5, null]`, string(b))
}

func TestParseNumber(t *testing.T) {
	v, ok := ParseNumber(" 42.10 ")
	assert.True(t, ok)
	assert.Equal(t, 42.1, v)

	for _, s := range []string{"", "abc", "NaN", "1.2.3"} {
		_, ok := ParseNumber(s)
		assert.False(t, ok, "input %q", s)
	}
}

func TestMul(t *testing.T) {
	assert.Equal(t, N(6), Mul(N(2), N(3)))
	assert.False(t, Mul(N(2), Num{}).Valid)
	assert.InDelta(t, 0.3, Mul(N(0.1), N(3)).Value, 1e-12)
}
