package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCondition_Matches(t *testing.T) {
	payload := Payload{
		FieldCommandName:   "Get-ADTInstallDir",
		FieldVersion:       "4.1.0",
		FieldDeprecatedAlt: true,
		"count":            float64(3),
	}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"exact string", Match(FieldVersion, "4.1.0"), true},
		{"exact string is case sensitive", Match(FieldCommandName, "get-adtinstalldir"), false},
		{"bool true", Match(FieldDeprecatedAlt, true), true},
		{"bool false", Match(FieldDeprecatedAlt, false), false},
		{"absent bool reads false", Match(FieldDeprecated, false), true},
		{"absent bool is not true", Match(FieldDeprecated, true), false},
		{"absent string", Match(FieldTitle, "x"), false},
		{"decoded number", Match("count", 3), true},
		{"prefix folds case", HasPrefix(FieldCommandName, "get-adt"), true},
		{"prefix mismatch", HasPrefix(FieldCommandName, "set-"), false},
		{"prefix on missing field", HasPrefix(FieldTitle, "a"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cond.Matches(payload))
		})
	}
}

func TestFilter_Matches(t *testing.T) {
	p := Payload{FieldType: TypeCommand, FieldCommandName: "Set-ADTRegistryKey"}

	var none *Filter
	assert.True(t, none.Matches(p))
	assert.True(t, (&Filter{}).Matches(p))

	f := &Filter{
		Must:   []Condition{Match(FieldType, TypeCommand)},
		Should: []Condition{HasPrefix(FieldCommandName, "get-"), HasPrefix(FieldCommandName, "set-")},
	}
	assert.True(t, f.Matches(p))

	f.Should = f.Should[:1]
	assert.False(t, f.Matches(p))

	f.Should = nil
	f.Must = append(f.Must, Match(FieldType, TypeExample))
	assert.False(t, f.Matches(p))
}

func TestFilter_VecliteTranslation(t *testing.T) {
	filters, exact := (&Filter{Must: []Condition{Match(FieldType, TypeCommand), Match(FieldVersion, "4.1.0")}}).vecliteFilters()
	assert.Len(t, filters, 2)
	assert.True(t, exact)

	filters, exact = (&Filter{
		Must:   []Condition{Match(FieldType, TypeCommand), Match(FieldDeprecatedAlt, false)},
		Should: []Condition{HasPrefix(FieldCommandName, "get")},
	}).vecliteFilters()
	assert.Len(t, filters, 1)
	assert.False(t, exact)
}

func TestPayload_Getters(t *testing.T) {
	p := Payload{
		"s":    "x",
		"b":    "TRUE",
		"n":    float64(42),
		"list": []any{"a", 1, "b"},
		"csv":  "p1,p2",
	}
	assert.Equal(t, "x", p.String("s"))
	assert.Equal(t, "", p.String("n"))
	assert.True(t, p.Bool("b"))
	assert.False(t, p.Bool("missing"))
	assert.Equal(t, int64(42), p.Int64("n"))
	assert.Equal(t, []string{"a", "b"}, p.Strings("list"))
	assert.Equal(t, []string{"p1", "p2"}, p.Strings("csv"))
	assert.Equal(t, "alt", Payload{FieldCommandNameAlt: "alt"}.CommandName())
}
