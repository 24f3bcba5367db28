package record

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewSourceRow_PadsMissingCells(t *testing.T) {
	row := NewSourceRow(3, []string{"Protocolo", "Status", "Canal"}, []string{"C1", "Aberto"})

	assert.Equal(t, 3, row.Line)
	assert.Equal(t, "C1", row.Values["Protocolo"])
	assert.Equal(t, "Aberto", row.Values["Status"])
	v, ok := row.Values["Canal"]
	assert.True(t, ok)
	assert.Equal(t, "", v)
}

func TestCanonicalRecord_GetSetCoversDiffFields(t *testing.T) {
	var r CanonicalRecord
	for _, f := range DiffFields {
		r.Set(f, "v-"+string(f))
	}
	for _, f := range DiffFields {
		assert.Equal(t, "v-"+string(f), r.Get(f), "field %s", f)
	}

	r.Set(Field("nope"), "x")
	assert.Equal(t, "", r.Get(Field("nope")))
}

func TestChanges_NamesAndApply(t *testing.T) {
	c := Changes{
		Fields: map[Field]string{
			FieldUnit:   "Ouvidoria Geral",
			FieldStatus: "Concluído",
		},
		Raw:        map[string]string{"Status": "Concluído"},
		RawChanged: true,
	}

	assert.False(t, c.Empty())
	assert.Equal(t, 3, c.Count())
	assert.Equal(t, []string{"status", "unit", "raw"}, c.Names())

	r := CanonicalRecord{Status: "Aberto", Raw: map[string]string{"Status": "Aberto", "Old": "x"}}
	c.Apply(&r)
	assert.Equal(t, "Concluído", r.Status)
	assert.Equal(t, "Ouvidoria Geral", r.Unit)
	assert.Equal(t, map[string]string{"Status": "Concluído"}, r.Raw)
}

func TestExistingRecord_LastTouched(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	updated := created.Add(time.Hour)

	e := ExistingRecord{CreatedAt: created}
	assert.Equal(t, created, e.LastTouched())

	e.UpdatedAt = updated
	assert.Equal(t, updated, e.LastTouched())
}
