package metaapi

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestCodecResponseWithNegativeStatusAndUnknownFields(t *testing.T) {
	resp := &SparqlQueryResponse{
		Headers: &Headers{ClientRef: "ref", TransactionRef: []string{"t1", "t2"}},
		Payload: &ResultPayload{
			SeqNum:      7,
			Last:        true,
			Status:      &Status{Code: -1, Message: "bad"},
			ResultChunk: []byte("chunk"),
		},
	}

	data, err := Codec().Marshal(resp)
	require.NoError(t, err)

	// fields added by newer servers are skipped
	data = protowire.AppendTag(data, 15, protowire.VarintType)
	data = protowire.AppendVarint(data, 99)
	data = protowire.AppendTag(data, 16, protowire.BytesType)
	data = protowire.AppendString(data, "extension")

	got := &SparqlQueryResponse{}
	require.NoError(t, Codec().Unmarshal(data, got))
	require.Empty(t, cmp.Diff(resp, got))
}

func TestCodecRejectsForeignTypes(t *testing.T) {
	_, err := Codec().Marshal("not a message")
	require.ErrorContains(t, err, "cannot marshal")

	require.ErrorContains(t, Codec().Unmarshal([]byte{}, &struct{}{}), "cannot unmarshal")
}

func TestCodecRejectsTruncatedInput(t *testing.T) {
	data, err := Codec().Marshal(&SparqlQueryRequest{Payload: &QueryPayload{Query: []byte("SELECT * WHERE {}")}})
	require.NoError(t, err)

	require.Error(t, Codec().Unmarshal(data[:len(data)-3], &SparqlQueryRequest{}))
}

func TestCodecRejectsWrongWireType(t *testing.T) {
	data := protowire.AppendTag(nil, 2, protowire.BytesType)
	data = protowire.AppendString(data, "LOCAL")

	require.ErrorContains(t, Codec().Unmarshal(data, &SparqlQueryRequest{}), "unexpected wire type")
}
