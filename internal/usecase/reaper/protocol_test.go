package reaper

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/testbay/internal/domain"
)

func TestFormatFilter(t *testing.T) {
	f := domain.Filters{"label": {"io.testbay.session-id=abc", "io.testbay.managed=true"}}
	assert.Equal(t, "label=io.testbay.managed=true&label=io.testbay.session-id=abc", FormatFilter(f))
}

func TestParseFilter(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    domain.Filters
		wantErr bool
	}{
		{
			name: "single label",
			line: "label=io.testbay.session-id=abc\n",
			want: domain.Filters{"label": {"io.testbay.session-id=abc"}},
		},
		{
			name: "several labels",
			line: "label=a=1&label=b=2",
			want: domain.Filters{"label": {"a=1", "b=2"}},
		},
		{
			name: "escaped value",
			line: "label=note%3Dx%26y",
			want: domain.Filters{"label": {"note=x&y"}},
		},
		{name: "empty line", line: "  ", wantErr: true},
		{name: "unknown key", line: "status=running", wantErr: true},
		{name: "empty value", line: "label=", wantErr: true},
		{name: "bad escape", line: "label=%zz", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFilter(tt.line)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrInvalidFilter)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFilterRoundTripKeepsSpecialCharacters(t *testing.T) {
	f := domain.Filters{"label": {"k=v&w", "name=a b"}}
	got, err := ParseFilter(FormatFilter(f))
	require.NoError(t, err)
	assert.ElementsMatch(t, f["label"], got["label"])
}
