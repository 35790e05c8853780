package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/revsync/errors"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		status   int
		kind     OutcomeKind
		errKind  ErrorKind
		sentinel bool
	}{
		{200, OutcomeSuccess, ErrorNone, false},
		{204, OutcomeSuccess, ErrorNone, false},
		{201, OutcomeCreated, ErrorNone, false},
		{404, OutcomeError, ErrorNotFound, true},
		{409, OutcomeError, ErrorRejected, true},
		{422, OutcomeError, ErrorRejected, true},
		{500, OutcomeError, ErrorServer, true},
		{503, OutcomeError, ErrorServer, true},
		{302, OutcomeError, ErrorServer, true},
	}
	for _, tt := range tests {
		out := Classify(&Response{StatusCode: tt.status, Errors: []string{"remote said no"}})
		assert.Equal(t, tt.kind, out.Kind, "status %d", tt.status)
		assert.Equal(t, tt.errKind, out.Error, "status %d", tt.status)

		err := out.Err("op")
		if !tt.sentinel {
			assert.NoError(t, err)
			continue
		}
		require.Error(t, err)
		assert.True(t, errors.IsTransportError(err))
		assert.Equal(t, "remote said no", errors.Messages(err)[0])
	}
}

func TestResponse_Helpers(t *testing.T) {
	r := &Response{StatusCode: 404}
	assert.Equal(t, 4, r.StatusClass())
	assert.True(t, r.IsNotFound())
	assert.False(t, r.Is2xx())

	var v struct{ ID string }
	assert.Error(t, r.Decode(&v), "empty body")

	ok := &Response{StatusCode: 200, Body: []byte(`{"ID":"p1"}`)}
	require.NoError(t, ok.Decode(&v))
	assert.Equal(t, "p1", v.ID)

	bad := &Response{StatusCode: 200, Body: []byte(`{`)}
	assert.Error(t, bad.Decode(&v))
}

func TestOutcomeKind_String(t *testing.T) {
	assert.Equal(t, "created", OutcomeCreated.String())
	assert.Equal(t, "not_found", ErrorNotFound.String())
	assert.Equal(t, "OutcomeKind(9)", OutcomeKind(9).String())
}
