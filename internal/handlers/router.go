package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewRouter wires every route. Everything except /health is traced.
func NewRouter(th *TransferHandler, vh *VaultHandler) *mux.Router {
	router := mux.NewRouter()

	// Health check endpoint (no tracing needed)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	traced := func(path, method string, h http.HandlerFunc) {
		router.Handle(path, otelhttp.NewHandler(h, method+" "+path)).Methods(method)
	}

	traced("/transfers", http.MethodPost, th.Create)
	traced("/receive", http.MethodPost, th.Receive)
	traced("/r/{code}", http.MethodGet, th.ReceiveLink)

	traced("/vault/login", http.MethodPost, vh.Login)
	traced("/vault/logout", http.MethodPost, vh.Logout)
	traced("/vault", http.MethodDelete, vh.DeleteOwner)
	traced("/vault/files", http.MethodGet, vh.List)
	traced("/vault/files", http.MethodPut, vh.Upload)
	traced("/vault/files/{file_id}", http.MethodGet, vh.Download)
	traced("/vault/files/{file_id}", http.MethodDelete, vh.Delete)

	return router
}
