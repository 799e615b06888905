package custodian

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/gated-release/cryptoutils"
	"github.com/ruteri/gated-release/interfaces"
	"github.com/ruteri/gated-release/shamir"
	"github.com/ruteri/gated-release/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestNode(t *testing.T, id interfaces.CustodianID, capacity int, dir string) *Node {
	t.Helper()
	if dir == "" {
		dir = t.TempDir()
	}
	backend, err := storage.NewFileBackend(filepath.Join(dir, "data"), testLogger())
	require.NoError(t, err)

	_, priv, err := cryptoutils.RandomP256Keypair()
	require.NoError(t, err)

	node, err := NewNode(context.Background(), NodeConfig{
		ID:            id,
		Endpoint:      "http://" + string(id),
		Capacity:      capacity,
		PrivateKey:    priv,
		IndexHeadPath: filepath.Join(dir, "index.head"),
	}, backend, testLogger())
	require.NoError(t, err)
	return node
}

func testSigner(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

// newSignedServer serves node with signer as the only authorized release
// server key.
func newSignedServer(t *testing.T, node *Node, signer *ecdsa.PrivateKey) (*httptest.Server, *HTTPClient) {
	t.Helper()
	ts := httptest.NewServer(NewServer(node, NewAuthorizer(&signer.PublicKey), testLogger()).Router())
	t.Cleanup(ts.Close)
	return ts, NewHTTPClient(ts.Client(), signer)
}

func testFragments(t *testing.T, unit interfaces.ReleaseUnitID) []interfaces.Fragment {
	t.Helper()
	fragments, err := shamir.Split(unit, []byte("meet at the old lighthouse"), interfaces.SplitPolicy{K: 2, N: 3})
	require.NoError(t, err)
	return fragments
}

func TestNode_StoreFetchDelete(t *testing.T) {
	ctx := context.Background()
	node := newTestNode(t, "c1", 10, "")
	unit := interfaces.NewReleaseUnitID()
	fragments := testFragments(t, unit)

	id, err := node.Store(ctx, fragments[0])
	require.NoError(t, err)
	assert.False(t, id.IsZero())
	assert.Equal(t, 1, node.Len())

	got, err := node.Fetch(ctx, unit)
	require.NoError(t, err)
	assert.Equal(t, fragments[0].Index, got.Index)
	assert.Equal(t, 0, fragments[0].Shares[0].Value.Cmp(got.Shares[0].Value))

	// A second fragment for the same unit replaces the first.
	_, err = node.Store(ctx, fragments[1])
	require.NoError(t, err)
	assert.Equal(t, 1, node.Len())
	got, err = node.Fetch(ctx, unit)
	require.NoError(t, err)
	assert.Equal(t, fragments[1].Index, got.Index)

	require.NoError(t, node.Delete(ctx, unit))
	_, err = node.Fetch(ctx, unit)
	assert.ErrorIs(t, err, interfaces.ErrFragmentNotFound)
	require.NoError(t, node.Delete(ctx, unit))
}

func TestNode_EncryptedAtRest(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	node := newTestNode(t, "c1", 0, dir)
	unit := interfaces.NewReleaseUnitID()

	id, err := node.Store(ctx, testFragments(t, unit)[0])
	require.NoError(t, err)

	raw, err := node.backend.Fetch(ctx, id, interfaces.FragmentType)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), string(unit))
}

func TestNode_Capacity(t *testing.T) {
	ctx := context.Background()
	node := newTestNode(t, "c1", 1, "")

	first := interfaces.NewReleaseUnitID()
	_, err := node.Store(ctx, testFragments(t, first)[0])
	require.NoError(t, err)

	_, err = node.Store(ctx, testFragments(t, interfaces.NewReleaseUnitID())[0])
	assert.ErrorIs(t, err, interfaces.ErrCapacityExhausted)

	// Replacing the fragment of a held unit needs no new slot.
	_, err = node.Store(ctx, testFragments(t, first)[2])
	assert.NoError(t, err)
}

func TestNode_IndexSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	unit := interfaces.NewReleaseUnitID()

	backend, err := storage.NewFileBackend(filepath.Join(dir, "data"), testLogger())
	require.NoError(t, err)
	_, priv, err := cryptoutils.RandomP256Keypair()
	require.NoError(t, err)
	cfg := NodeConfig{ID: "c1", PrivateKey: priv, IndexHeadPath: filepath.Join(dir, "index.head")}

	node, err := NewNode(ctx, cfg, backend, testLogger())
	require.NoError(t, err)
	_, err = node.Store(ctx, testFragments(t, unit)[0])
	require.NoError(t, err)

	restarted, err := NewNode(ctx, cfg, backend, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, restarted.Len())

	got, err := restarted.Fetch(ctx, unit)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Index)
}

func TestServerAndHTTPClient(t *testing.T) {
	ctx := context.Background()
	node := newTestNode(t, "c1", 1, "")
	ts, client := newSignedServer(t, node, testSigner(t))

	info, err := client.Describe(ctx, ts.URL)
	require.NoError(t, err)
	assert.Equal(t, interfaces.CustodianID("c1"), info.ID)
	assert.Equal(t, ts.URL, info.Endpoint)
	assert.NotEmpty(t, info.PublicKey)

	unit := interfaces.NewReleaseUnitID()
	fragments := testFragments(t, unit)

	id, err := client.StoreFragment(ctx, info, fragments[2])
	require.NoError(t, err)
	assert.False(t, id.IsZero())

	got, err := client.FetchFragment(ctx, info, unit)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Index)
	assert.Equal(t, unit, got.ReleaseUnitID)

	_, err = client.StoreFragment(ctx, info, testFragments(t, interfaces.NewReleaseUnitID())[0])
	assert.ErrorIs(t, err, interfaces.ErrCapacityExhausted)

	require.NoError(t, client.DeleteFragment(ctx, info, unit))
	_, err = client.FetchFragment(ctx, info, unit)
	assert.ErrorIs(t, err, interfaces.ErrFragmentNotFound)
}

func TestServer_RejectsForeignFragment(t *testing.T) {
	node := newTestNode(t, "c1", 0, "")
	ts, client := newSignedServer(t, node, testSigner(t))

	fragment := testFragments(t, interfaces.NewReleaseUnitID())[0]
	other := interfaces.CustodianNode{ID: "c1", Endpoint: ts.URL}

	// Route the fragment under a different unit id.
	status, _, err := client.do(context.Background(), "c1", "PUT", ts.URL+"/fragments/other-unit", mustEncode(t, fragment))
	require.NoError(t, err)
	assert.Equal(t, 400, status)

	status, _, err = client.do(context.Background(), "c1", "PUT", ts.URL+"/fragments/x", []byte("{not json"))
	require.NoError(t, err)
	assert.Equal(t, 400, status)

	_, err = client.FetchFragment(context.Background(), other, fragment.ReleaseUnitID)
	assert.ErrorIs(t, err, interfaces.ErrFragmentNotFound)
}

func TestServer_FragmentRoutesRequireSignature(t *testing.T) {
	ctx := context.Background()
	node := newTestNode(t, "c1", 0, "")
	ts, client := newSignedServer(t, node, testSigner(t))

	unit := interfaces.NewReleaseUnitID()
	info := interfaces.CustodianNode{ID: "c1", Endpoint: ts.URL}
	_, err := client.StoreFragment(ctx, info, testFragments(t, unit)[0])
	require.NoError(t, err)

	// A plain GET for a known unit id gets nothing.
	resp, err := http.Get(ts.URL + "/fragments/" + string(unit))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.NotContains(t, string(body), "shares")

	// So does a client holding a key the node does not know.
	stranger := NewHTTPClient(ts.Client(), testSigner(t))
	_, err = stranger.FetchFragment(ctx, info, unit)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Error(t, stranger.DeleteFragment(ctx, info, unit))

	// A client without a key refuses to send fragment requests at all.
	keyless := NewHTTPClient(ts.Client(), nil)
	_, err = keyless.FetchFragment(ctx, info, unit)
	assert.Error(t, err)

	// The node info stays public for registry seeding.
	described, err := keyless.Describe(ctx, ts.URL)
	require.NoError(t, err)
	assert.Equal(t, interfaces.CustodianID("c1"), described.ID)

	got, err := client.FetchFragment(ctx, info, unit)
	require.NoError(t, err)
	assert.Equal(t, unit, got.ReleaseUnitID)
}

func TestAuthorizer_Verify(t *testing.T) {
	signer := testSigner(t)
	now := time.Unix(1_700_000_000, 0)
	auth := NewAuthorizer(&signer.PublicKey)
	auth.now = func() time.Time { return now }

	signed := func(t *testing.T, custodian interfaces.CustodianID, at time.Time) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/fragments/u1", nil)
		require.NoError(t, SignRequest(req, custodian, signer, at))
		return req
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, auth.Verify(signed(t, "c1", now), "c1"))
	})
	t.Run("unsigned", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/fragments/u1", nil)
		assert.ErrorIs(t, auth.Verify(req, "c1"), ErrUnsignedRequest)
	})
	t.Run("signed for another custodian", func(t *testing.T) {
		assert.ErrorIs(t, auth.Verify(signed(t, "c2", now), "c1"), ErrInvalidSignature)
	})
	t.Run("other path", func(t *testing.T) {
		req := signed(t, "c1", now)
		req.URL.Path = "/fragments/u2"
		assert.ErrorIs(t, auth.Verify(req, "c1"), ErrInvalidSignature)
	})
	t.Run("other method", func(t *testing.T) {
		req := signed(t, "c1", now)
		req.Method = http.MethodDelete
		assert.ErrorIs(t, auth.Verify(req, "c1"), ErrInvalidSignature)
	})
	t.Run("stale", func(t *testing.T) {
		assert.ErrorIs(t, auth.Verify(signed(t, "c1", now.Add(-time.Hour)), "c1"), ErrStaleRequest)
	})
	t.Run("no keys", func(t *testing.T) {
		assert.ErrorIs(t, NewAuthorizer().Verify(signed(t, "c1", time.Now()), "c1"), ErrInvalidSignature)
	})
}

func mustEncode(t *testing.T, f interfaces.Fragment) []byte {
	t.Helper()
	b, err := shamir.EncodeFragment(f)
	require.NoError(t, err)
	return b
}

func TestLocalClient(t *testing.T) {
	ctx := context.Background()
	node := newTestNode(t, "c1", 0, "")
	client := NewLocalClient(node)
	unit := interfaces.NewReleaseUnitID()

	_, err := client.StoreFragment(ctx, interfaces.CustodianNode{ID: "c1"}, testFragments(t, unit)[0])
	require.NoError(t, err)

	_, err = client.FetchFragment(ctx, interfaces.CustodianNode{ID: "c9"}, unit)
	assert.ErrorIs(t, err, interfaces.ErrCustodianNotFound)

	got, err := client.FetchFragment(ctx, interfaces.CustodianNode{ID: "c1"}, unit)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Index)
}

func TestStaticScanner(t *testing.T) {
	scanner := NewStaticScanner(0, "c1", "c2", "c1")
	scan, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	assert.Len(t, scan.Peers, 3)
	assert.Equal(t, []interfaces.CustodianID{"c1", "c2"}, scan.Unique())

	// Snapshots do not change when the scanner does.
	scanner.SetPeers("c3")
	assert.Len(t, scan.Peers, 3)
	assert.Equal(t, 1, scanner.Scans())

	slow := NewStaticScanner(time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = slow.Scan(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
