package worker

import (
	"encoding/json"
	"errors"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geoffjay/tacore/internal/tacerr"
)

func newTestWorker() *Worker {
	logger := log.New()
	logger.SetLevel(log.ErrorLevel)
	return &Worker{
		workerID: "w1",
		handlers: make(map[string]Handler),
		log:      logger,
	}
}

func TestInvokeReturnsHandlerResult(t *testing.T) {
	w := newTestWorker()
	payload, err := w.invoke(func(p json.RawMessage) (json.RawMessage, error) {
		return p, nil
	}, json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(payload))
}

func TestInvokeRecoversPanicAsError(t *testing.T) {
	w := newTestWorker()
	_, err := w.invoke(func(p json.RawMessage) (json.RawMessage, error) {
		panic("boom")
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestInvokePropagatesHandlerError(t *testing.T) {
	w := newTestWorker()
	_, err := w.invoke(func(p json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("handler failed")
	}, nil)
	require.Error(t, err)
	assert.Equal(t, "handler failed", err.Error())
}

func TestTruncateBoundsLongMessages(t *testing.T) {
	s := ""
	for i := 0; i < 1000; i++ {
		s += "a"
	}
	out := truncate(s, 10)
	assert.Len(t, out, 10)
}

func TestRegisterOverwritesExistingHandler(t *testing.T) {
	w := newTestWorker()
	calls := 0
	w.Register("echo", func(p json.RawMessage) (json.RawMessage, error) {
		calls = 1
		return p, nil
	})
	w.Register("echo", func(p json.RawMessage) (json.RawMessage, error) {
		calls = 2
		return p, nil
	})
	_, _ = w.handlers["echo"](nil)
	assert.Equal(t, 2, calls)
}

func TestUnknownMethodIsClassifiedAsUnknownMethod(t *testing.T) {
	w := newTestWorker()
	_, ok := w.handlers["does-not-exist"]
	assert.False(t, ok)
	// handleTask would classify this as tacerr.CodeUnknownMethod; asserted
	// indirectly here since handleTask requires a live socket to observe
	// the reply.
	assert.Equal(t, "E_UNKNOWN_METHOD", tacerr.CodeUnknownMethod)
}
