package mirror

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChangeDescriptor(t *testing.T) {
	desc, err := parseChangeDescriptor(`{"id":500,"table":"public.demanda","event_type":"INSERT"}`)
	require.NoError(t, err)
	assert.Equal(t, int64(500), desc.ID)
	assert.Equal(t, "public.demanda", desc.Table)
	assert.Equal(t, EventInsert, desc.EventType)
}

func TestParseChangeDescriptor_UnknownFieldsIgnored(t *testing.T) {
	// Source-side trigger additions may enrich the payload; the listener
	// stays forward-compatible by ignoring what it does not know.
	desc, err := parseChangeDescriptor(`{"id":7,"table":"public.demanda","event_type":"UPDATE","txid":12345}`)
	require.NoError(t, err)
	assert.Equal(t, int64(7), desc.ID)
}

func TestDispatchSkipsUnknownTableAndMalformedPayload(t *testing.T) {
	registry := NewEntityRegistry()
	require.NoError(t, registry.Register(demandaStub()))

	// Pools, writer, and ledger are nil on purpose: a dispatched worker
	// would dereference them, so finishing cleanly proves both payloads
	// were skipped before any work started.
	cfg := DefaultConfig()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := NewChangeListener(nil, registry, nil, nil, nil, cfg, logger, &stageObserver{})

	l.dispatch(context.Background(), `{"id":7,"table":"public.unknown","event_type":"INSERT"}`)
	l.dispatch(context.Background(), `not json`)
	l.wg.Wait()

	assert.True(t, l.sem.TryAcquire(cfg.MaxInFlight), "no worker may hold a slot")
	l.sem.Release(cfg.MaxInFlight)
}

func TestParseChangeDescriptor_Malformed(t *testing.T) {
	cases := []string{
		``,
		`not json`,
		`{"table":"public.demanda","event_type":"INSERT"}`, // missing id
		`{"id":5,"event_type":"INSERT"}`,                   // missing table
		`{"id":"abc","table":"t","event_type":"INSERT"}`,   // wrong id type
	}
	for _, payload := range cases {
		_, err := parseChangeDescriptor(payload)
		assert.Error(t, err, "payload %q should be rejected", payload)
	}
}
