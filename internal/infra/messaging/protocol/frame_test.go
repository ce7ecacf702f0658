package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodePushLayout(t *testing.T) {
	b := EncodePush("run_r00012345_s07.h5")

	require.Len(t, b, 1+8+len("run_r00012345_s07.h5"))
	assert.Equal(t, byte(KindPush), b[0])
	assert.Equal(t, uint64(len("run_r00012345_s07.h5")), binary.BigEndian.Uint64(b[1:9]))
	assert.Equal(t, "run_r00012345_s07.h5", string(b[9:]))
}

func TestDecodeRequest(t *testing.T) {
	tests := []struct {
		name    string
		frame   []byte
		want    Request
		wantErr error
	}{
		{name: "push", frame: EncodePush("f1"), want: Request{Kind: KindPush, Item: "f1"}},
		{name: "push_empty_item", frame: EncodePush(""), want: Request{Kind: KindPush}},
		{name: "pull", frame: EncodePull(), want: Request{Kind: KindPull}},
		{name: "close_write", frame: EncodeCloseWrite(), want: Request{Kind: KindCloseWrite}},
		{name: "close_read", frame: EncodeCloseRead(), want: Request{Kind: KindCloseRead}},
		{name: "empty_frame", frame: nil, wantErr: ErrMalformedFrame},
		{name: "unknown_kind", frame: []byte{42}, wantErr: ErrUnknownKind},
		{name: "pull_with_trailer", frame: []byte{byte(KindPull), 0}, wantErr: ErrMalformedFrame},
		{name: "push_truncated_length", frame: []byte{byte(KindPush), 0, 0}, wantErr: ErrMalformedFrame},
		{name: "push_short_body", frame: EncodePush("abc")[:10], wantErr: ErrMalformedFrame},
		{name: "push_with_sentinel", frame: func() []byte {
			b := EncodeEmptyResponse()
			b[0] = byte(KindPush)
			return b
		}(), wantErr: ErrMalformedFrame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeRequest(tt.frame)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodePullResponse(t *testing.T) {
	item, empty, err := DecodePullResponse(EncodePullResponse("f3"))
	require.NoError(t, err)
	assert.False(t, empty)
	assert.Equal(t, "f3", item)

	item, empty, err = DecodePullResponse(EncodeEmptyResponse())
	require.NoError(t, err)
	assert.True(t, empty)
	assert.Empty(t, item)

	_, _, err = DecodePullResponse(EncodePush("f1"))
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestEmptyResponseUsesMaxLength(t *testing.T) {
	b := EncodeEmptyResponse()
	assert.Equal(t, EmptyLength, binary.BigEndian.Uint64(b[1:]))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "push", KindPush.String())
	assert.Equal(t, "close_read", KindCloseRead.String())
	assert.Equal(t, "unknown(9)", Kind(9).String())
}
