package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"custody.mini/cbank/internal/app"
	"custody.mini/cbank/internal/identity"
	"custody.mini/cbank/internal/ledger"
	"custody.mini/cbank/internal/logger"
	"custody.mini/cbank/internal/store"
	"custody.mini/cbank/internal/types"
)

const (
	testCapacity = 5_000_000_000_000_000_000
	testLimit    = 500_000_000_000_000_000
)

// setupTest creates a temporary store, a running application and the
// service under test.
func setupTest(t *testing.T, transfer ledger.Transferer) (*Service, *store.Store, func()) {
	t.Helper()
	st, err := store.NewStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err, "create store")
	if err := st.Init(testCapacity, testLimit); err != nil {
		st.Close()
		require.NoError(t, err, "init store")
	}

	if transfer == nil {
		transfer = ledger.TransferFunc(func(context.Context, string, uint64) error { return nil })
	}
	l := ledger.New(testCapacity, testLimit, ledger.WithTransferer(transfer))

	log := logger.NewNop(100)
	application := app.New(l, st, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		application.Run(ctx)
		close(done)
	}()

	svc := NewService(application, st, log, "test-node", 5)

	cleanup := func() {
		cancel()
		<-done
		st.Close()
	}

	return svc, st, cleanup
}

func newTestIdentity(t *testing.T) *identity.Identity {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return identity.NewIdentity(priv)
}

func signedBody(t *testing.T, id *identity.Identity, tx *types.Transaction) []byte {
	stx, err := tx.Sign(id)
	require.NoError(t, err)
	b, err := json.Marshal(stx)
	require.NoError(t, err)
	return b
}

// serve routes req through a mux with every API route registered.
func serve(svc *Service, req *http.Request) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	svc.Register(mux)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func postTx(t *testing.T, svc *Service, body []byte) (*httptest.ResponseRecorder, app.Response) {
	req := httptest.NewRequest(http.MethodPost, "/api/tx", bytes.NewReader(body))
	w := serve(svc, req)

	var resp app.Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp), "decode response")
	return w, resp
}
