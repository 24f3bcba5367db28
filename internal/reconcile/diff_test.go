package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/JonMunkholm/protosync/internal/record"
)

func TestDiff_OnlyChangedField(t *testing.T) {
	existing := record.CanonicalRecord{Protocol: "C100", Status: "Open"}
	incoming := record.CanonicalRecord{Protocol: "C100", Status: "Closed"}

	changes := Diff(incoming, existing)
	assert.Equal(t, map[record.Field]string{record.FieldStatus: "Closed"}, changes.Fields)
	assert.False(t, changes.RawChanged)
	assert.Equal(t, 1, changes.Count())
}

func TestDiff_AbsentAndWhitespaceAreEqual(t *testing.T) {
	existing := record.CanonicalRecord{Theme: "Saúde ", Unit: ""}
	incoming := record.CanonicalRecord{Theme: " Saúde", Unit: "  "}

	assert.True(t, Diff(incoming, existing).Empty())
}

func TestDiff_ClearingAFieldIsAChange(t *testing.T) {
	existing := record.CanonicalRecord{Staff: "Ana"}
	incoming := record.CanonicalRecord{}

	changes := Diff(incoming, existing)
	v, ok := changes.Fields[record.FieldStaff]
	assert.True(t, ok)
	assert.Equal(t, "", v)
}

func TestDiff_Raw(t *testing.T) {
	tests := []struct {
		name     string
		incoming map[string]string
		existing map[string]string
		changed  bool
	}{
		{"identical", map[string]string{"a": "1"}, map[string]string{"a": "1"}, false},
		{"trimmed", map[string]string{"a": "1 "}, map[string]string{"a": "1"}, false},
		{"nil vs empty values", nil, map[string]string{"a": ""}, false},
		{"new column with value", map[string]string{"a": "1", "b": "2"}, map[string]string{"a": "1"}, true},
		{"column dropped", map[string]string{"a": "1"}, map[string]string{"a": "1", "b": "2"}, true},
		{"value changed", map[string]string{"a": "2"}, map[string]string{"a": "1"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changes := Diff(
				record.CanonicalRecord{Raw: tt.incoming},
				record.CanonicalRecord{Raw: tt.existing},
			)
			assert.Equal(t, tt.changed, changes.RawChanged)
			if tt.changed {
				assert.Equal(t, tt.incoming, changes.Raw)
				assert.Equal(t, []string{record.RawField}, changes.Names())
			}
		})
	}
}
