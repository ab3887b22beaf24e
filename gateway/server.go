// Package gateway exposes the market's boundary surface over HTTP: the four
// settlement actions, collateral deposit/withdraw, listing creation, role
// administration and the read-side queries. State-changing calls are
// serialized so the engine sees one action at a time, matching the
// single-threaded host model.
package gateway

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"galleria/config"
	"galleria/native/market"
)

const maxRequestBody = 1 << 20 // 1 MiB

// RoleRegistry is the administrative surface for role management.
type RoleRegistry interface {
	HasRole(role string, addr []byte) bool
	GrantRole(role string, addr [20]byte) error
	RevokeRole(role string, addr [20]byte) error
}

// Server is the HTTP front-end for the market engine.
type Server struct {
	engine *market.Engine
	roles  RoleRegistry
	log    *slog.Logger
	secret []byte
	mu     sync.Mutex
}

// NewServer wires the gateway. The secret signs and verifies the HS256
// bearer tokens carrying caller identity.
func NewServer(engine *market.Engine, roles RoleRegistry, logger *slog.Logger, secret []byte) *Server {
	if engine == nil {
		panic("gateway: engine required")
	}
	if roles == nil {
		panic("gateway: role registry required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{engine: engine, roles: roles, log: logger, secret: secret}
}

// Router builds the HTTP handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/v1", func(v chi.Router) {
		v.Get("/listings/{listingID}", s.handleGetListing)
		v.Get("/listings/{listingID}/purchases/{index}", s.handleGetPurchase)
		v.Get("/collateral/{address}", s.handleGetCollateral)
		v.Get("/vault", s.handleGetVault)
		v.Group(func(g chi.Router) {
			g.Use(s.authenticate)
			g.Post("/listings", s.handleCreateListing)
			g.Post("/collateral/deposit", s.handleDeposit)
			g.Post("/collateral/withdraw", s.handleWithdraw)
			g.Post("/listings/{listingID}/purchases", s.handlePurchase)
			g.Post("/listings/{listingID}/purchases/{index}/verify", s.handleVerify)
			g.Post("/listings/{listingID}/purchases/{index}/force", s.handleForceConfirm)
			g.Post("/listings/{listingID}/purchases/{index}/resolve", s.handleSettleDispute)
			g.Post("/roles/grant", s.handleGrantRole)
			g.Post("/roles/revoke", s.handleRevokeRole)
		})
	})
	return otelhttp.NewHandler(r, "gateway")
}

type listingResponse struct {
	ID          uint64 `json:"id"`
	Artist      string `json:"artist"`
	Name        string `json:"name"`
	ContentRef  string `json:"contentRef"`
	SupplyLimit uint64 `json:"supplyLimit"`
	Minted      uint64 `json:"minted"`
	Price       string `json:"price"`
	CreatedAt   int64  `json:"createdAt"`
}

type purchaseResponse struct {
	ListingID     uint64 `json:"listingId"`
	Index         uint64 `json:"index"`
	Buyer         string `json:"buyer"`
	Status        string `json:"status"`
	Paid          string `json:"paid"`
	LockedDeposit string `json:"lockedDeposit"`
	PurchasedAt   int64  `json:"purchasedAt"`
}

func encodeListing(l *market.Listing) listingResponse {
	return listingResponse{
		ID:          l.ID,
		Artist:      "0x" + hex.EncodeToString(l.Artist[:]),
		Name:        l.Name,
		ContentRef:  l.ContentRef,
		SupplyLimit: l.SupplyLimit,
		Minted:      l.Minted,
		Price:       l.Price.String(),
		CreatedAt:   l.CreatedAt,
	}
}

func encodePurchase(p *market.Purchase) purchaseResponse {
	return purchaseResponse{
		ListingID:     p.ListingID,
		Index:         p.Index,
		Buyer:         "0x" + hex.EncodeToString(p.Buyer[:]),
		Status:        p.Status.String(),
		Paid:          p.Paid.String(),
		LockedDeposit: p.LockedDeposit.String(),
		PurchasedAt:   p.PurchasedAt,
	}
}

func (s *Server) handleCreateListing(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromContext(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, errMissingBearer)
		return
	}
	var req struct {
		Name        string `json:"name"`
		ContentRef  string `json:"contentRef"`
		SupplyLimit uint64 `json:"supplyLimit"`
		Price       string `json:"price"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	price, ok := parseAmount(req.Price)
	if !ok {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid price"))
		return
	}
	s.mu.Lock()
	listing, err := s.engine.CreateListing(caller, req.Name, req.ContentRef, req.SupplyLimit, price)
	s.mu.Unlock()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.log.Info("listing created", "listingId", listing.ID, "artist", encodeListing(listing).Artist)
	s.writeJSON(w, http.StatusCreated, encodeListing(listing))
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleCollateralMove(w, r, s.engine.Deposit)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.handleCollateralMove(w, r, s.engine.Withdraw)
}

func (s *Server) handleCollateralMove(w http.ResponseWriter, r *http.Request, move func([20]byte, *big.Int) error) {
	caller, ok := callerFromContext(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, errMissingBearer)
		return
	}
	var req struct {
		Amount string `json:"amount"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid amount"))
		return
	}
	s.mu.Lock()
	err := move(caller, amount)
	s.mu.Unlock()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.mu.Lock()
	balance, balErr := s.engine.CollateralBalance(caller)
	s.mu.Unlock()
	if balErr != nil {
		s.writeEngineError(w, balErr)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"balance": balance.String()})
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromContext(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, errMissingBearer)
		return
	}
	listingID, ok := s.pathUint(w, r, "listingID")
	if !ok {
		return
	}
	s.mu.Lock()
	purchase, err := s.engine.Purchase(caller, listingID)
	s.mu.Unlock()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.log.Info("purchase opened", "listingId", purchase.ListingID, "index", purchase.Index)
	s.writeJSON(w, http.StatusCreated, encodePurchase(purchase))
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromContext(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, errMissingBearer)
		return
	}
	listingID, index, ok := s.salePath(w, r)
	if !ok {
		return
	}
	var req struct {
		Accepted bool `json:"accepted"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	err := s.engine.Verify(caller, listingID, index, req.Accepted)
	s.mu.Unlock()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeSale(w, listingID, index)
}

func (s *Server) handleForceConfirm(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromContext(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, errMissingBearer)
		return
	}
	listingID, index, ok := s.salePath(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	err := s.engine.ForceConfirm(caller, listingID, index)
	s.mu.Unlock()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeSale(w, listingID, index)
}

func (s *Server) handleSettleDispute(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromContext(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, errMissingBearer)
		return
	}
	listingID, index, ok := s.salePath(w, r)
	if !ok {
		return
	}
	var req struct {
		FavorArtist bool `json:"favorArtist"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	err := s.engine.SettleDispute(caller, listingID, index, req.FavorArtist)
	s.mu.Unlock()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeSale(w, listingID, index)
}

func (s *Server) handleGrantRole(w http.ResponseWriter, r *http.Request) {
	s.handleRoleChange(w, r, s.roles.GrantRole)
}

func (s *Server) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	s.handleRoleChange(w, r, s.roles.RevokeRole)
}

func (s *Server) handleRoleChange(w http.ResponseWriter, r *http.Request, change func(string, [20]byte) error) {
	caller, ok := callerFromContext(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, errMissingBearer)
		return
	}
	if !s.roles.HasRole(market.RoleAdmin, caller[:]) {
		s.writeError(w, http.StatusForbidden, market.ErrUnauthorized)
		return
	}
	var req struct {
		Role    string `json:"role"`
		Address string `json:"address"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	addr, err := config.ParseAddress(req.Address)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.mu.Lock()
	err = change(req.Role, addr)
	s.mu.Unlock()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetListing(w http.ResponseWriter, r *http.Request) {
	listingID, ok := s.pathUint(w, r, "listingID")
	if !ok {
		return
	}
	listing, err := s.engine.Listing(listingID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, encodeListing(listing))
}

func (s *Server) handleGetPurchase(w http.ResponseWriter, r *http.Request) {
	listingID, index, ok := s.salePath(w, r)
	if !ok {
		return
	}
	purchase, err := s.engine.PurchaseRecord(listingID, index)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, encodePurchase(purchase))
}

func (s *Server) handleGetCollateral(w http.ResponseWriter, r *http.Request) {
	addr, err := config.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	balance, err := s.engine.CollateralBalance(addr)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"balance": balance.String()})
}

func (s *Server) handleGetVault(w http.ResponseWriter, _ *http.Request) {
	balance, err := s.engine.VaultBalance()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"balance": balance.String()})
}

func (s *Server) writeSale(w http.ResponseWriter, listingID, index uint64) {
	purchase, err := s.engine.PurchaseRecord(listingID, index)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, encodePurchase(purchase))
}

func (s *Server) salePath(w http.ResponseWriter, r *http.Request) (uint64, uint64, bool) {
	listingID, ok := s.pathUint(w, r, "listingID")
	if !ok {
		return 0, 0, false
	}
	index, ok := s.pathUint(w, r, "index")
	if !ok {
		return 0, 0, false
	}
	return listingID, index, true
}

func (s *Server) pathUint(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	value, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid "+name))
		return 0, false
	}
	return value, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := decoder.Decode(out); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func parseAmount(raw string) (*big.Int, bool) {
	if raw == "" {
		return nil, false
	}
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok || amount.Sign() < 0 {
		return nil, false
	}
	return amount, true
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, market.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, market.ErrNotFound), errors.Is(err, market.ErrInvalidIndex):
		status = http.StatusNotFound
	case errors.Is(err, market.ErrInvalidState),
		errors.Is(err, market.ErrTimeoutNotReached),
		errors.Is(err, market.ErrSoldOut),
		errors.Is(err, market.ErrInsufficientFunds),
		errors.Is(err, market.ErrInsufficientCollateral):
		status = http.StatusConflict
	case errors.Is(err, market.ErrInvalidPrice):
		status = http.StatusBadRequest
	case errors.Is(err, market.ErrTransferFailed):
		status = http.StatusBadGateway
	}
	s.writeError(w, status, err)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "status", status, "err", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
