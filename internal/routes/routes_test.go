package routes

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/edgequota/chainproxy/internal/apierror"
	"github.com/edgequota/chainproxy/internal/config"
	"github.com/edgequota/chainproxy/internal/proxy"
	"github.com/edgequota/chainproxy/internal/schema"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	evmAddr = "0xd8da6bf26964af9d7eed9e03e53415d37aa96045"
	svmAddr = "86xCnPeV69n6t3DnyGvkKobf9FdN2H9oiVDdaMpo2MMY"
)

type recordingServer struct {
	targets []proxy.Target
}

func (s *recordingServer) Serve(w http.ResponseWriter, _ *http.Request, t proxy.Target) {
	s.targets = append(s.targets, t)
	w.WriteHeader(http.StatusOK)
}

func newRouter(t *testing.T) (*chi.Mux, *recordingServer) {
	t.Helper()
	r := chi.NewRouter()
	srv := &recordingServer{}
	require.NoError(t, Register(r, srv, schema.MustLoad(), config.ModeProduction))
	return r, srv
}

func do(r http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"].(string)
}

func TestRegister_ForwardsValidRequests(t *testing.T) {
	tests := []struct {
		inbound    string
		wantPath   string
		wantQuery  url.Values
		wantSchema schema.Name
	}{
		{
			inbound:    "/v1/evm/balances/" + evmAddr + "?limit=50&filters=ERC20&metadata=logo,url,logo&exclude_spam_tokens=1&bogus=x",
			wantPath:   "/v1/evm/balances/" + evmAddr,
			wantQuery:  url.Values{"limit": {"50"}, "filters": {"erc20"}, "metadata": {"logo,url"}, "exclude_spam_tokens": {"true"}},
			wantSchema: schema.EVMBalances,
		},
		{
			inbound:    "/v1/evm/transactions/" + evmAddr + "?chain_ids=1,8453&offset=abc123",
			wantPath:   "/v1/evm/transactions/" + evmAddr,
			wantQuery:  url.Values{"chain_ids": {"1,8453"}, "offset": {"abc123"}},
			wantSchema: schema.EVMTransactions,
		},
		{
			inbound:    "/v1/evm/supported-chains/balances",
			wantPath:   "/v1/evm/supported-chains/balances",
			wantQuery:  url.Values{},
			wantSchema: schema.EVMSupportedChains,
		},
		{
			inbound:    "/beta/svm/transactions/" + svmAddr + "?limit=1000",
			wantPath:   "/beta/svm/transactions/" + svmAddr,
			wantQuery:  url.Values{"limit": {"1000"}},
			wantSchema: schema.SVMTransactions,
		},
		{
			inbound:    "/beta/svm/balances/" + svmAddr + "?chains=all",
			wantPath:   "/beta/svm/balances/" + svmAddr,
			wantQuery:  url.Values{"chains": {"all"}},
			wantSchema: schema.SVMBalances,
		},
	}
	for _, tt := range tests {
		t.Run(tt.wantPath, func(t *testing.T) {
			r, srv := newRouter(t)
			rec := do(r, http.MethodGet, tt.inbound)

			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			require.Len(t, srv.targets, 1)
			got := srv.targets[0]
			assert.Equal(t, tt.wantPath, got.Path)
			assert.Equal(t, tt.wantQuery, got.Query)
			assert.Equal(t, tt.wantSchema, got.Schema.Name())
		})
	}
}

func TestRegister_RejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		wantMsg string
	}{
		{"short evm address", "/v1/evm/balances/0x1234", "invalid address"},
		{"evm without 0x", "/v1/evm/balances/d8da6bf26964af9d7eed9e03e53415d37aa96045", "invalid address"},
		{"svm too short", "/beta/svm/balances/abc", "invalid address"},
		{"svm bad alphabet", "/beta/svm/balances/0OIl" + svmAddr[4:], "invalid address"},
		{"bad uri", "/v1/evm/supported-chains/BAD_URI", "invalid uri"},
		{"limit zero", "/v1/evm/balances/" + evmAddr + "?limit=0", `invalid query parameter "limit"`},
		{"limit too big", "/v1/evm/balances/" + evmAddr + "?limit=1001", `invalid query parameter "limit"`},
		{"limit not int", "/v1/evm/balances/" + evmAddr + "?limit=ten", `invalid query parameter "limit"`},
		{"bad filter", "/v1/evm/balances/" + evmAddr + "?filters=nft", `invalid query parameter "filters"`},
		{"bad metadata", "/v1/evm/balances/" + evmAddr + "?metadata=logo,price", `invalid query parameter "metadata"`},
		{"bad bool", "/v1/evm/balances/" + evmAddr + "?exclude_spam_tokens=maybe", `invalid query parameter "exclude_spam_tokens"`},
		{"bad chain id", "/v1/evm/transactions/" + evmAddr + "?chain_ids=1;drop", `invalid query parameter "chain_ids"`},
		{"empty list", "/beta/svm/balances/" + svmAddr + "?chains=,,", `invalid query parameter "chains"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, srv := newRouter(t)
			rec := do(r, http.MethodGet, tt.target)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, errorMessage(t, rec), tt.wantMsg)
			assert.Empty(t, srv.targets)
		})
	}
}

func TestRegister_NotFoundAndMethodNotAllowed(t *testing.T) {
	r, _ := newRouter(t)

	rec := do(r, http.MethodGet, "/v2/nothing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Not found", errorMessage(t, rec))

	rec = do(r, http.MethodPost, "/v1/evm/balances/"+evmAddr)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRegister_HeadIsRouted(t *testing.T) {
	r, srv := newRouter(t)
	rec := do(r, http.MethodHead, "/v1/evm/balances/"+evmAddr)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, srv.targets, 1)
}

func TestRegister_MissingSchema(t *testing.T) {
	err := Register(chi.NewRouter(), &recordingServer{}, &schema.Set{}, config.ModeProduction)
	assert.Error(t, err)
}

func TestBuildQuery_LastValueWins(t *testing.T) {
	q, err := BuildQuery(url.Values{"limit": {"5", "7"}, "offset": {"  "}}, []Param{limitParam, offsetParam})
	require.NoError(t, err)
	assert.Equal(t, url.Values{"limit": {"7"}}, q)
}

func TestBuildQuery_ErrorKind(t *testing.T) {
	_, err := BuildQuery(url.Values{"limit": {"-1"}}, []Param{limitParam})
	e, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.KindInvalidRequest, e.Kind)
	assert.Equal(t, "limit", e.Details["param"])
}

func TestValidators(t *testing.T) {
	assert.NoError(t, ValidateEVMAddress(evmAddr))
	assert.NoError(t, ValidateEVMAddress("0xD8DA6BF26964AF9D7EED9E03E53415D37AA96045"))
	assert.Error(t, ValidateEVMAddress(evmAddr+"0"))
	assert.Error(t, ValidateEVMAddress("0xZZda6bf26964af9d7eed9e03e53415d37aa96045"))

	assert.NoError(t, ValidateSVMAddress(svmAddr))
	assert.NoError(t, ValidateSVMAddress("11111111111111111111111111111111"))
	assert.Error(t, ValidateSVMAddress(svmAddr+"abcdefghijk"))

	assert.NoError(t, ValidateURISegment("transactions"))
	assert.Error(t, ValidateURISegment(""))
}

func TestOffsetTooLong(t *testing.T) {
	_, err := BuildQuery(url.Values{"offset": {string(bytes.Repeat([]byte("a"), maxOffsetLen+1))}}, []Param{offsetParam})
	assert.Error(t, err)
}

func TestMarkdown(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Markdown(&buf, Table()))
	out := buf.String()

	assert.Contains(t, out, "| Method | Path |")
	assert.Contains(t, out, "| GET | `/v1/evm/balances/{address}` | `limit`, `offset`, `chain_ids`, `filters`, `metadata`, `exclude_spam_tokens` | `evm_balances` | `private, no-cache` |")
	assert.Contains(t, out, "| GET | `/v1/evm/supported-chains/{uri}` | - | `evm_supported_chains` | `public, max-age=3600` |")
	assert.Contains(t, out, "### GET `/beta/svm/balances/{address}`")
}

func TestUpstream(t *testing.T) {
	rt := Table()[0]
	assert.Equal(t, "/v1/evm/transactions/"+evmAddr, rt.Upstream(evmAddr))
}
