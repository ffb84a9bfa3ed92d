package audit

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiff(t *testing.T) {
	tests := []struct {
		name     string
		old, new string
		want     []Change
	}{
		{
			name: "both empty",
		},
		{
			name: "formatting only",
			old:  `{"a": 1, "b": [1, 2]}`,
			new:  `{"b":[1,2],"a":1}`,
		},
		{
			name: "create",
			new:  `{"name":"Ada"}`,
			want: []Change{{Key: "name", Kind: ChangeAdded, New: json.RawMessage(`"Ada"`)}},
		},
		{
			name: "delete",
			old:  `{"name":"Ada"}`,
			new:  `null`,
			want: []Change{{Key: "name", Kind: ChangeRemoved, Old: json.RawMessage(`"Ada"`)}},
		},
		{
			name: "mixed sorted by key",
			old:  `{"z":1,"m":{"x":1},"a":true}`,
			new:  `{"m":{"x":2},"a":true,"b":null,"c":"new"}`,
			want: []Change{
				{Key: "c", Kind: ChangeAdded, New: json.RawMessage(`"new"`)},
				{Key: "m", Kind: ChangeChanged, Old: json.RawMessage(`{"x":1}`), New: json.RawMessage(`{"x":2}`)},
				{Key: "z", Kind: ChangeRemoved, Old: json.RawMessage(`1`)},
			},
		},
		{
			name: "scalars",
			old:  `5`,
			new:  `6`,
			want: []Change{{Key: "$", Kind: ChangeChanged, Old: json.RawMessage(`5`), New: json.RawMessage(`6`)}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var o, n json.RawMessage
			if tt.old != "" {
				o = json.RawMessage(tt.old)
			}
			if tt.new != "" {
				n = json.RawMessage(tt.new)
			}
			got, err := Diff(o, n)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDiff_InvalidJSON(t *testing.T) {
	_, err := Diff(json.RawMessage(`{"a":`), nil)
	assert.Error(t, err)

	_, err = Diff(nil, json.RawMessage(`nope`))
	assert.Error(t, err)
}

func TestVerifyChain_DetectsTampering(t *testing.T) {
	var entries []Entry
	prev := ""
	for _, action := range []string{"a", "b", "c"} {
		e := Entry{ID: action, Action: action, RiskLevel: RiskLow}
		require.NoError(t, Seal(&e, prev))
		prev = e.Hash
		entries = append(entries, e)
	}

	idx, err := VerifyChain(entries)
	require.NoError(t, err)
	assert.Equal(t, -1, idx)

	entries[1].Action = "tampered"
	idx, err = VerifyChain(entries)
	assert.Error(t, err)
	assert.Equal(t, 1, idx)
}
