package task

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParamsYAMLRoundTrip(t *testing.T) {
	p := Params{
		"prefix":      "study",
		"dsid":        "sub-01",
		"n3_distance": "200",
		"file_args":   map[string]interface{}{"0": map[string]interface{}{"t1_id": "f-1"}},
	}

	data, err := p.EncodeYAML()
	require.NoError(t, err)

	back, err := DecodeParamsYAML(data)
	require.NoError(t, err)
	assert.Equal(t, "study", back.GetString("prefix"))
	assert.Equal(t, "f-1", back.GetSubMap("file_args")["0"].(map[string]interface{})["t1_id"])
}

func TestParamsCheckSizeCeiling(t *testing.T) {
	small := Params{"a": "b"}
	require.NoError(t, small.CheckSize())

	big := Params{"blob": strings.Repeat("x", MaxParamsBytes+1)}
	err := big.CheckSize()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "超过上限")
}

func TestParamsGetBoolCheckboxSemantics(t *testing.T) {
	p := Params{
		"a": "1",
		"b": "true",
		"c": true,
		"d": "0",
		"e": "",
		"f": "yes",
	}
	assert.True(t, p.GetBool("a"))
	assert.True(t, p.GetBool("b"))
	assert.True(t, p.GetBool("c"))
	assert.True(t, p.GetBool("f"))
	assert.False(t, p.GetBool("d"))
	assert.False(t, p.GetBool("e"))
	assert.False(t, p.GetBool("missing"))
}

func TestParamsStripKeys(t *testing.T) {
	p := Params{"interface_userfile_ids": []string{"1", "2"}, "keep": "v"}
	p.StripKeys("interface_userfile_ids", "absent")

	_, ok := p["interface_userfile_ids"]
	assert.False(t, ok)
	assert.Equal(t, "v", p.GetString("keep"))
}

func TestParamsGetStringNumeric(t *testing.T) {
	p := Params{"n": 42, "f": float64(7)}
	assert.Equal(t, "42", p.GetString("n"))
	assert.Equal(t, "7", p.GetString("f"))
	assert.Equal(t, "", p.GetString("missing"))
}

func TestDecodeParamsYAMLEmpty(t *testing.T) {
	p, err := DecodeParamsYAML(nil)
	require.NoError(t, err)
	assert.NotNil(t, p)
	assert.Len(t, p, 0)
}
