package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultiWriterStreamTokenString(t *testing.T) {
	tests := []struct {
		name  string
		token MultiWriterStreamToken
		want  string
	}{
		{
			name:  "floor only",
			token: NewMultiWriterStreamToken(7, nil),
			want:  "s7",
		},
		{
			name:  "writers sorted",
			token: NewMultiWriterStreamToken(4, map[string]StreamPosition{"worker2": 9, "worker1": 6}),
			want:  "m4~worker1.6~worker2.9",
		},
		{
			name:  "writers at the floor are dropped",
			token: NewMultiWriterStreamToken(4, map[string]StreamPosition{"worker1": 4, "worker2": 3}),
			want:  "s4",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.token.String())
			parsed, err := ParseMultiWriterStreamToken(tt.want)
			require.NoError(t, err)
			assert.Equal(t, tt.token, parsed)
		})
	}
}

func TestParseMultiWriterStreamTokenRejectsMalformed(t *testing.T) {
	for _, input := range []string{"", "s", "x5", "s-1", "sabc", "m5", "m5~worker1", "m5~.6", "m5~w.x", "m5~w.6~w.7"} {
		_, err := ParseMultiWriterStreamToken(input)
		assert.True(t, errors.Is(err, ErrMalformedToken), "expected %q to be rejected, got %v", input, err)
	}
}

func TestMultiWriterStreamTokenPositions(t *testing.T) {
	token := NewMultiWriterStreamToken(5, map[string]StreamPosition{"w1": 8, "w2": 11})
	assert.Equal(t, StreamPosition(8), token.PositionForWriter("w1"))
	assert.Equal(t, StreamPosition(5), token.PositionForWriter("w3"))
	assert.Equal(t, StreamPosition(11), token.MaxStreamPos())

	assert.True(t, NewMultiWriterStreamToken(5, nil).IsBefore(token))
	assert.False(t, token.IsBefore(NewMultiWriterStreamToken(10, nil)))
	assert.True(t, token.IsBefore(NewMultiWriterStreamToken(11, nil)))
}

func TestIsStreamPositionInRange(t *testing.T) {
	from := NewMultiWriterStreamToken(3, map[string]StreamPosition{"w1": 5})
	to := NewMultiWriterStreamToken(4, map[string]StreamPosition{"w1": 8})

	tests := []struct {
		from   *MultiWriterStreamToken
		writer string
		pos    StreamPosition
		want   bool
	}{
		{&from, "w1", 5, false},
		{&from, "w1", 6, true},
		{&from, "w1", 8, true},
		{&from, "w1", 9, false},
		// w2 is only known up to the floor in both tokens
		{&from, "w2", 4, true},
		{&from, "w2", 5, false},
		{&from, "w2", 3, false},
		{nil, "w1", 1, true},
		{nil, "w2", 6, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s@%d", tt.writer, tt.pos), func(t *testing.T) {
			assert.Equal(t, tt.want, IsStreamPositionInRange(tt.from, to, tt.writer, tt.pos))
		})
	}
}

func TestThreadKey(t *testing.T) {
	assert.Equal(t, "", ThreadKey(nil))
	thread := "$root"
	assert.Equal(t, "$root", ThreadKey(&thread))
	assert.Nil(t, ThreadFromKey(""))
	assert.Equal(t, &thread, ThreadFromKey("$root"))
}

func TestErrors(t *testing.T) {
	cause := errors.New("database is locked")
	err := fmt.Errorf("insert: %w", TransientStorageError{Op: "InsertReceipt", Err: cause})
	var transient TransientStorageError
	require.True(t, errors.As(err, &transient))
	assert.ErrorIs(t, err, cause)

	notFound := NotFoundError{RoomID: "!r:test", EventIDs: []string{"$a", "$b"}}
	assert.Contains(t, notFound.Error(), "$a, $b")
}
