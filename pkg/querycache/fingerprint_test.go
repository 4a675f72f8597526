package querycache

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeQuery(t *testing.T) {
	assert.Equal(t, "SELECT * FROM hotels WHERE id = $1",
		NormalizeQuery("  SELECT *\n\tFROM   hotels\r\n WHERE id = $1  "))
	assert.Equal(t, "", NormalizeQuery(" \n\t "))
}

func TestFingerprint_Deterministic(t *testing.T) {
	q := Query{Text: "SELECT * FROM attractions WHERE id = $1", Params: []interface{}{42, "x"}}

	first, err := Fingerprint(q)
	require.NoError(t, err)
	second, err := Fingerprint(q)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first, 64)
}

func TestFingerprint_IgnoresFormatting(t *testing.T) {
	a, err := Fingerprint(Query{Text: "SELECT *  FROM hotels\nLIMIT $1", Params: []interface{}{5}})
	require.NoError(t, err)
	b, err := Fingerprint(Query{Text: "\tSELECT * FROM hotels LIMIT $1 ", Params: []interface{}{5}})
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestFingerprint_DistinguishesParams(t *testing.T) {
	text := "SELECT * FROM hotels LIMIT $1"
	a, err := Fingerprint(Query{Text: text, Params: []interface{}{5}})
	require.NoError(t, err)
	b, err := Fingerprint(Query{Text: text, Params: []interface{}{6}})
	require.NoError(t, err)
	c, err := Fingerprint(Query{Text: text, Params: []interface{}{"5"}})
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestFingerprint_NilAndEmptyParamsMatch(t *testing.T) {
	a, err := Fingerprint(Query{Text: "SELECT 1"})
	require.NoError(t, err)
	b, err := Fingerprint(Query{Text: "SELECT 1", Params: []interface{}{}})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestFingerprint_MapParamsAreOrderIndependent(t *testing.T) {
	a, err := Fingerprint(Query{Text: "q", Params: []interface{}{map[string]interface{}{"a": 1, "b": 2}}})
	require.NoError(t, err)
	b, err := Fingerprint(Query{Text: "q", Params: []interface{}{map[string]interface{}{"b": 2, "a": 1}}})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestFingerprint_UnencodableParams(t *testing.T) {
	tests := []struct {
		name  string
		param interface{}
	}{
		{"nan", math.NaN()},
		{"channel", make(chan int)},
		{"func", func() {}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Fingerprint(Query{Text: "q", Params: []interface{}{tt.param}})
			var serr *SerializationError
			require.ErrorAs(t, err, &serr)
			assert.Equal(t, "encode fingerprint", serr.Op)
		})
	}
}
