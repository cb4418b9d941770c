package web

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custody.mini/cbank/internal/app"
	"custody.mini/cbank/internal/identity"
	"custody.mini/cbank/internal/ledger"
	"custody.mini/cbank/internal/logger"
	"custody.mini/cbank/internal/store"
	"custody.mini/cbank/internal/types"
)

type fixture struct {
	app    *app.Application
	log    *logger.Logger
	server *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	st, err := store.NewStore(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	require.NoError(t, st.Init(10*ledger.MinimumDeposit, ledger.MinimumDeposit))

	docsDir := filepath.Join(dir, "docs")
	require.NoError(t, os.Mkdir(docsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(docsDir, "ledger.adoc"), []byte("= Ledger\n\n== Deposits\n\nHello docs.\n"), 0o644))

	l := ledger.New(10*ledger.MinimumDeposit, ledger.MinimumDeposit,
		ledger.WithTransferer(ledger.TransferFunc(func(context.Context, string, uint64) error { return nil })))
	log := logger.NewNop(50)
	application := app.New(l, st, log)

	srv, err := NewServer(application, st, log, Options{DocsDir: docsDir, NodeID: "node", MaxBackups: 3})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		st.Close()
	})
	return &fixture{app: application, log: log, server: ts}
}

func (f *fixture) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func deposit(t *testing.T, a *app.Application, id *identity.Identity, amount uint64) {
	t.Helper()
	stx, err := types.NewDeposit(amount).Sign(id)
	require.NoError(t, err)
	raw, err := json.Marshal(stx)
	require.NoError(t, err)
	resp := a.DeliverTx(context.Background(), raw)
	require.True(t, resp.IsOK(), resp.Log)
}

func newIdentity(t *testing.T) *identity.Identity {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return identity.NewIdentity(priv)
}

func readRecord(t *testing.T, conn *websocket.Conn) ledger.Record {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var rec ledger.Record
	require.NoError(t, conn.ReadJSON(&rec))
	return rec
}

func TestRecordsWebsocketSendsHistoryThenLive(t *testing.T) {
	f := newFixture(t)
	alice := newIdentity(t)
	bob := newIdentity(t)

	deposit(t, f.app, alice, ledger.MinimumDeposit)

	conn := f.dial(t, "/ws/records?identity="+alice.Address())
	history := readRecord(t, conn)
	assert.Equal(t, alice.Address(), history.Identity)
	assert.Equal(t, ledger.MinimumDeposit, history.Balance)

	// filtered out
	deposit(t, f.app, bob, ledger.MinimumDeposit)
	deposit(t, f.app, alice, 2*ledger.MinimumDeposit)

	live := readRecord(t, conn)
	assert.Equal(t, alice.Address(), live.Identity)
	assert.Equal(t, 3*ledger.MinimumDeposit, live.Balance)
}

func TestStatusWebsocketStreamsLogs(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "/ws/status")

	f.log.Info("operator notice")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var msg logger.Message
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Text == "operator notice" {
			assert.Equal(t, "info", msg.Level)
			return
		}
	}
}

func TestDocsRoutes(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.server.URL + "/docs/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `href="/docs/ledger.adoc"`)

	resp, err = http.Get(f.server.URL + "/docs/ledger.adoc")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "Hello docs.")

	resp, err = http.Get(f.server.URL + "/docs/missing.adoc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIMounted(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.server.URL + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(f.server.URL+"/api/withdrawAll", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	srv, err := NewServer(f.app, nil, f.log, Options{Port: 0})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(7 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
