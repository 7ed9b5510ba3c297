package topic

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTopic(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		wantErr error
	}{
		{name: "simple", topic: "a/b/c"},
		{name: "single_level", topic: "a"},
		{name: "leading_slash", topic: "/a"},
		{name: "empty_levels", topic: "a//b"},
		{name: "empty", topic: "", wantErr: ErrEmptyTopic},
		{name: "plus_wildcard", topic: "a/+/b", wantErr: ErrWildcardInTopicName},
		{name: "hash_wildcard", topic: "a/#", wantErr: ErrWildcardInTopicName},
		{name: "null_char", topic: "a\x00b", wantErr: ErrNullInTopic},
		{name: "too_long", topic: strings.Repeat("a", 65536), wantErr: ErrTopicTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTopic(tt.topic)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestValidateFilter(t *testing.T) {
	tests := []struct {
		name    string
		filter  string
		wantErr error
	}{
		{name: "exact", filter: "a/b/c"},
		{name: "plus", filter: "a/+/c"},
		{name: "hash_alone", filter: "#"},
		{name: "trailing_hash", filter: "a/b/#"},
		{name: "plus_alone", filter: "+"},
		{name: "empty", filter: "", wantErr: ErrEmptyTopic},
		{name: "plus_in_level", filter: "a+/b", wantErr: ErrInvalidWildcard},
		{name: "hash_in_level", filter: "a#", wantErr: ErrInvalidWildcard},
		{name: "hash_not_last", filter: "a/#/b", wantErr: ErrInvalidWildcard},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFilter(tt.filter)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}

	assert.NoError(t, ValidateFilter("$SYS/#"))
}
