package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"exodus/crypto"
	"exodus/crypto/merkle"
	"exodus/native/amm"
	"exodus/native/migration"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, migration.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, migration.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, migration.ErrAlreadyExists),
		errors.Is(err, migration.ErrAlreadyFinalized),
		errors.Is(err, migration.ErrClaimsNotOpen),
		errors.Is(err, migration.ErrAlreadyLocked),
		errors.Is(err, migration.ErrNotLocked):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, migration.ErrQuotaExceeded):
		s.metrics.RecordQuotaRejection()
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, merkle.ErrInvalidProof):
		s.metrics.RecordProofRejection()
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, migration.ErrInsufficientBalance),
		errors.Is(err, migration.ErrInvalidAmount),
		errors.Is(err, migration.ErrInvalidSupply):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, amm.ErrSlippageExceeded),
		errors.Is(err, amm.ErrPoolExists),
		errors.Is(err, amm.ErrPoolNotFound):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("internal error", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	defer func() { _ = r.Body.Close() }()
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return false
	}
	return true
}

func parseAddress(value string) ([20]byte, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(value))
	if err != nil {
		return [20]byte{}, err
	}
	return addr.Array(), nil
}

func parseHash(value string) ([32]byte, error) {
	var out [32]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return out, err
	}
	if len(decoded) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}

func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal amount %q", value)
	}
	return amount, nil
}

type initRequest struct {
	Admin        string `json:"admin"`
	OldSupply    string `json:"oldSupply"`
	NewSupply    string `json:"newSupply"`
	SnapshotRoot string `json:"snapshotRoot"`
	BaseAsset    string `json:"baseAsset"`
	OldAsset     string `json:"oldAsset"`
	NewAsset     string `json:"newAsset"`
	ReceiptAsset string `json:"receiptAsset"`
}

type initResponse struct {
	ID          string `json:"id"`
	AdminHandle string `json:"adminHandle"`
	Ratio       string `json:"ratio"`
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if !decodeBody(w, r, &req) {
		return
	}
	admin, err := parseAddress(req.Admin)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("admin: %v", err))
		return
	}
	root, err := parseHash(req.SnapshotRoot)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("snapshotRoot: %v", err))
		return
	}
	oldSupply, err := parseAmount(req.OldSupply)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("oldSupply: %v", err))
		return
	}
	newSupply, err := parseAmount(req.NewSupply)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("newSupply: %v", err))
		return
	}
	assets := migration.AssetSet{
		Base:    req.BaseAsset,
		Old:     req.OldAsset,
		New:     req.NewAsset,
		Receipt: req.ReceiptAsset,
	}
	id, handle, err := s.engine.Initialize(admin, oldSupply, newSupply, root, assets)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	// The ratio is a pure function of the supplies the engine just accepted,
	// so compute it here instead of reading the record back.
	ratio, err := migration.ComputeRatio(oldSupply, newSupply)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, initResponse{
		ID:          hex.EncodeToString(id[:]),
		AdminHandle: hex.EncodeToString(handle[:]),
		Ratio:       ratio.String(),
	})
}

type lockRequest struct {
	ID          string `json:"id"`
	AdminHandle string `json:"adminHandle"`
	BaseAmount  string `json:"baseAmount"`
	OldAmount   string `json:"oldAmount"`
}

func (s *Server) handleLockLiquidity(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := parseHash(req.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("id: %v", err))
		return
	}
	handle, err := parseHandle(req.AdminHandle)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("adminHandle: %v", err))
		return
	}
	baseAmount, err := parseAmount(req.BaseAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("baseAmount: %v", err))
		return
	}
	oldAmount := big.NewInt(0)
	if strings.TrimSpace(req.OldAmount) != "" {
		if oldAmount, err = parseAmount(req.OldAmount); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("oldAmount: %v", err))
			return
		}
	}
	if err := s.engine.LockLiquidity(id, handle, baseAmount, oldAmount); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "locked"})
}

type migrateRequest struct {
	ID          string   `json:"id"`
	Participant string   `json:"participant"`
	Deposit     string   `json:"deposit"`
	Quota       string   `json:"quota"`
	Proof       []string `json:"proof"`
}

type migrateResponse struct {
	Minted string `json:"minted"`
}

func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	var req migrateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := parseHash(req.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("id: %v", err))
		return
	}
	participant, err := parseAddress(req.Participant)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("participant: %v", err))
		return
	}
	deposit, err := parseAmount(req.Deposit)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("deposit: %v", err))
		return
	}
	quota, err := parseAmount(req.Quota)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("quota: %v", err))
		return
	}
	if len(req.Proof) > s.maxProofLen {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("proof exceeds %d elements", s.maxProofLen))
		return
	}
	proof := make([][32]byte, len(req.Proof))
	for i, element := range req.Proof {
		if proof[i], err = parseHash(element); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("proof[%d]: %v", i, err))
			return
		}
	}
	minted, err := s.engine.Migrate(id, participant, deposit, quota, proof)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.metrics.RecordDeposit(req.ID)
	writeJSON(w, http.StatusOK, migrateResponse{Minted: minted.String()})
}

type finalizeRequest struct {
	ID                  string `json:"id"`
	AdminHandle         string `json:"adminHandle"`
	OldPoolFeeTier      uint32 `json:"oldPoolFeeTier"`
	NewPoolFeeTier      uint32 `json:"newPoolFeeTier"`
	MinBaseOut          string `json:"minBaseOut"`
	InitialSqrtPriceX64 string `json:"initialSqrtPriceX64,omitempty"`
	TickLower           int32  `json:"tickLower"`
	TickUpper           int32  `json:"tickUpper"`
}

type finalizeResponse struct {
	Position      string `json:"position"`
	LiquidatedOld string `json:"liquidatedOld"`
	BaseSeeded    string `json:"baseSeeded"`
	MintedNew     string `json:"mintedNew"`
	SqrtPriceX64  string `json:"sqrtPriceX64"`
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := parseHash(req.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("id: %v", err))
		return
	}
	handle, err := parseHandle(req.AdminHandle)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("adminHandle: %v", err))
		return
	}
	minBaseOut, err := parseAmount(req.MinBaseOut)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("minBaseOut: %v", err))
		return
	}
	params := migration.FinalizeParams{
		OldPoolFeeTier: req.OldPoolFeeTier,
		NewPoolFeeTier: req.NewPoolFeeTier,
		MinBaseOut:     minBaseOut,
		TickLower:      req.TickLower,
		TickUpper:      req.TickUpper,
	}
	if trimmed := strings.TrimSpace(req.InitialSqrtPriceX64); trimmed != "" {
		price, err := uint256.FromDecimal(trimmed)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("initialSqrtPriceX64: %v", err))
			return
		}
		params.InitialSqrtPriceX64 = price
	}
	seed, err := s.engine.FinalizeAndCreatePool(id, handle, params)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.metrics.RecordFinalization()
	writeJSON(w, http.StatusOK, finalizeResponse{
		Position:      seed.Position,
		LiquidatedOld: seed.LiquidatedOld.String(),
		BaseSeeded:    seed.BaseSeeded.String(),
		MintedNew:     seed.MintedNew.String(),
		SqrtPriceX64:  seed.SqrtPriceX64.Dec(),
	})
}

type claimRequest struct {
	ID     string `json:"id"`
	Holder string `json:"holder"`
	Amount string `json:"amount"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := parseHash(req.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("id: %v", err))
		return
	}
	holder, err := parseAddress(req.Holder)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("holder: %v", err))
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("amount: %v", err))
		return
	}
	if err := s.engine.Claim(id, holder, amount); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.metrics.RecordClaim()
	writeJSON(w, http.StatusOK, map[string]string{"status": "claimed"})
}

type statusResponse struct {
	ID            string `json:"id"`
	Finalized     bool   `json:"finalized"`
	Locked        bool   `json:"locked"`
	Ratio         string `json:"ratio"`
	SnapshotRoot  string `json:"snapshotRoot"`
	BaseBalance   string `json:"baseBalance"`
	OldBalance    string `json:"oldBalance"`
	ReceiptSupply string `json:"receiptSupply"`
	BaseAsset     string `json:"baseAsset"`
	OldAsset      string `json:"oldAsset"`
	NewAsset      string `json:"newAsset"`
	ReceiptAsset  string `json:"receiptAsset"`
	StartTime     int64  `json:"startTime"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("id: %v", err))
		return
	}
	m, vault, receiptSupply, err := s.engine.Status(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	base, old := vault.Balances()
	writeJSON(w, http.StatusOK, statusResponse{
		ID:            hex.EncodeToString(m.ID[:]),
		Finalized:     m.Finalized,
		Locked:        vault.IsLocked(),
		Ratio:         m.Ratio.String(),
		SnapshotRoot:  hex.EncodeToString(m.SnapshotRoot[:]),
		BaseBalance:   base.String(),
		OldBalance:    old.String(),
		ReceiptSupply: receiptSupply.String(),
		BaseAsset:     m.Assets.Base,
		OldAsset:      m.Assets.Old,
		NewAsset:      m.Assets.New,
		ReceiptAsset:  m.Assets.Receipt,
		StartTime:     m.StartTime,
	})
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("id: %v", err))
		return
	}
	participant, err := parseAddress(chi.URLParam(r, "participant"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("participant: %v", err))
		return
	}
	amount, err := s.engine.MigratedAmount(id, participant)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"migrated": amount.String()})
}

func parseHandle(value string) (migration.AdminHandle, error) {
	var handle migration.AdminHandle
	hash, err := parseHash(value)
	if err != nil {
		return handle, err
	}
	return migration.AdminHandle(hash), nil
}
