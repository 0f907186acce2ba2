// Package routes declares the public API surface: which inbound paths
// exist, how their path and query parameters are validated, and which
// upstream path and response schema each maps to.
package routes

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/edgequota/chainproxy/internal/apierror"
	"github.com/edgequota/chainproxy/internal/config"
	"github.com/edgequota/chainproxy/internal/proxy"
	"github.com/edgequota/chainproxy/internal/schema"
	"github.com/go-chi/chi/v5"
)

// Route is one proxied endpoint.
type Route struct {
	Name        string
	Method      string
	Description string
	// Pattern is the inbound chi pattern with a single {param}.
	Pattern string
	// PathParam names the pattern's parameter.
	PathParam string
	// ValidatePath rejects bad path parameter values.
	ValidatePath func(string) error
	Params       []Param
	Schema       schema.Name
}

// Upstream returns the upstream path for a validated parameter value.
// Inbound and upstream paths are the same shape.
func (rt Route) Upstream(value string) string {
	return strings.Replace(rt.Pattern, "{"+rt.PathParam+"}", value, 1)
}

// Table returns every route.
func Table() []Route {
	pagination := []Param{limitParam, offsetParam}
	return []Route{
		{
			Name:         "evm_transactions",
			Method:       http.MethodGet,
			Description:  "Transactions of an EVM wallet across chains.",
			Pattern:      "/v1/evm/transactions/{address}",
			PathParam:    "address",
			ValidatePath: ValidateEVMAddress,
			Params:       append(append([]Param(nil), pagination...), chainIDsParam),
			Schema:       schema.EVMTransactions,
		},
		{
			Name:         "evm_balances",
			Method:       http.MethodGet,
			Description:  "Token balances of an EVM wallet across chains.",
			Pattern:      "/v1/evm/balances/{address}",
			PathParam:    "address",
			ValidatePath: ValidateEVMAddress,
			Params:       append(append([]Param(nil), pagination...), chainIDsParam, filtersParam, metadataParam, excludeSpamParam),
			Schema:       schema.EVMBalances,
		},
		{
			Name:         "evm_supported_chains",
			Method:       http.MethodGet,
			Description:  "Chains supported by an EVM endpoint.",
			Pattern:      "/v1/evm/supported-chains/{uri}",
			PathParam:    "uri",
			ValidatePath: ValidateURISegment,
			Schema:       schema.EVMSupportedChains,
		},
		{
			Name:         "svm_transactions",
			Method:       http.MethodGet,
			Description:  "Transactions of an SVM wallet.",
			Pattern:      "/beta/svm/transactions/{address}",
			PathParam:    "address",
			ValidatePath: ValidateSVMAddress,
			Params:       append([]Param(nil), pagination...),
			Schema:       schema.SVMTransactions,
		},
		{
			Name:         "svm_balances",
			Method:       http.MethodGet,
			Description:  "Token balances of an SVM wallet.",
			Pattern:      "/beta/svm/balances/{address}",
			PathParam:    "address",
			ValidatePath: ValidateSVMAddress,
			Params:       append(append([]Param(nil), pagination...), chainsParam),
			Schema:       schema.SVMBalances,
		},
	}
}

// Server is the part of the proxy routes need.
type Server interface {
	Serve(w http.ResponseWriter, r *http.Request, t proxy.Target)
}

// Register mounts every route on r. HEAD is served wherever GET is.
func Register(r chi.Router, srv Server, schemas *schema.Set, mode config.Mode) error {
	for _, rt := range Table() {
		sc, ok := schemas.Get(rt.Schema)
		if !ok {
			return fmt.Errorf("route %s: schema %q not loaded", rt.Name, rt.Schema)
		}
		h := handler(rt, sc, srv, mode)
		r.Method(rt.Method, rt.Pattern, h)
		if rt.Method == http.MethodGet {
			r.Method(http.MethodHead, rt.Pattern, h)
		}
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		apierror.Write(w, apierror.New(apierror.KindNotFound), errorOptions(req, mode))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		apierror.Write(w, apierror.New(apierror.KindInvalidRequest).
			WithMessage("Method not allowed").
			WithStatus(http.StatusMethodNotAllowed), errorOptions(req, mode))
	})
	return nil
}

func handler(rt Route, sc *schema.Schema, srv Server, mode config.Mode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		value := chi.URLParam(r, rt.PathParam)
		if err := rt.ValidatePath(value); err != nil {
			apierror.Write(w, apierror.New(apierror.KindInvalidRequest).
				WithMessage(fmt.Sprintf("invalid %s: %v", rt.PathParam, err)).
				WithDetail("param", rt.PathParam), errorOptions(r, mode))
			return
		}

		query, err := BuildQuery(r.URL.Query(), rt.Params)
		if err != nil {
			apierror.Write(w, err, errorOptions(r, mode))
			return
		}

		srv.Serve(w, r, proxy.Target{
			Path:   rt.Upstream(value),
			Query:  query,
			Schema: sc,
		})
	}
}

func errorOptions(r *http.Request, mode config.Mode) apierror.Options {
	return apierror.Options{Mode: mode, RequestID: r.Header.Get("X-Request-Id")}
}
