package compress

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecsRoundTrip(t *testing.T) {
	state := []byte(`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"` +
		strings.Repeat("pauta da reunião ", 64) + `"}]}]}`)

	for _, name := range []string{NameNop, NameGZip, NameLZ4, NameBrotli} {
		t.Run(name, func(t *testing.T) {
			codec, err := ByName(name)
			require.NoError(t, err)
			assert.Equal(t, name, codec.Name())

			encoded, err := codec.Encode(state)
			require.NoError(t, err)
			if name != NameNop {
				assert.Less(t, len(encoded), len(state))
			}

			decoded, err := codec.Decode(encoded)
			require.NoError(t, err)
			assert.Equal(t, state, decoded)
		})
	}
}

func TestByName(t *testing.T) {
	codec, err := ByName("")
	require.NoError(t, err)
	assert.Equal(t, NameNop, codec.Name())

	codec, err = ByName(" GZIP ")
	require.NoError(t, err)
	assert.Equal(t, NameGZip, codec.Name())

	_, err = ByName("zstd")
	assert.Error(t, err)
}
