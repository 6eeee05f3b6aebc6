package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"lienledger/native/ledger"
	"lienledger/native/marketplace"
	"lienledger/observability/metrics"
	"lienledger/state"
)

const requestLimit = 1 << 20 // 1 MiB

// MarketFactory builds a marketplace engine bound to the same batch state as
// the supplied ledger engine, so settlements share the batch's overlay.
type MarketFactory func(st ledger.BatchState, eng *ledger.Engine) (*marketplace.Engine, error)

// Server exposes the ledger and marketplace engines over HTTP. Every mutating
// request runs against a fresh state overlay that commits only on success;
// batch requests additionally pass the invariant gate.
type Server struct {
	st      *state.Manager
	build   ledger.EngineFactory
	market  MarketFactory
	gate    *ledger.InvariantGate
	logger  *slog.Logger
	metrics *metrics.LedgerMetrics
}

// NewServer constructs a server over the given state manager and factories.
func NewServer(st *state.Manager, build ledger.EngineFactory, market MarketFactory, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		st:      st,
		build:   build,
		market:  market,
		gate:    ledger.NewInvariantGate(func() ledger.BatchState { return st.Begin() }, build),
		logger:  logger,
		metrics: metrics.Ledger(),
	}
}

// Router mounts every handler.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Get("/healthz", s.handleHealth)
	r.Route("/ledger", func(r chi.Router) {
		r.Post("/pledge", s.handlePledge)
		r.Post("/withdraw", s.handleWithdraw)
		r.Post("/refresh", s.handleRefresh)
		r.Post("/borrow", s.handleBorrow)
		r.Post("/repay", s.handleRepay)
		r.Post("/position/get", s.handlePosition)
		r.Post("/credit-line/get", s.handleCreditLine)
	})
	r.Route("/market", func(r chi.Router) {
		r.Post("/list", s.handleList)
		r.Post("/cancel", s.handleCancel)
		r.Post("/settle", s.handleSettle)
	})
	r.Post("/batch", s.handleBatch)
	return r
}

// requestID tags every request and response with a correlation identifier.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// run executes fn against a fresh overlay, committing only when fn succeeds.
func (s *Server) run(fn func(eng *ledger.Engine, st ledger.BatchState) error) error {
	st := s.st.Begin()
	eng, err := s.build(st)
	if err != nil {
		st.Discard()
		return err
	}
	if err := fn(eng, st); err != nil {
		st.Discard()
		return err
	}
	return st.Commit()
}

func (s *Server) handlePledge(w http.ResponseWriter, r *http.Request) {
	var req pledgeRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	owner, err := parseAddress(req.Owner)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	unitID, err := parseHash(req.UnitID)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var resp positionResponse
	err = s.run(func(eng *ledger.Engine, st ledger.BatchState) error {
		if err := eng.Pledge(owner, unitID); err != nil {
			return err
		}
		pos, err := st.GetPosition(owner)
		if err != nil {
			return err
		}
		resp = toPositionResponse(pos)
		return nil
	})
	if err != nil {
		s.logError(r, "pledge", err)
		writeEngineError(w, err)
		return
	}
	s.metrics.IncPledge()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	owner, err := parseAddress(req.Owner)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	unitID, err := parseHash(req.UnitID)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	recipient := owner
	if req.To != "" {
		if recipient, err = parseAddress(req.To); err != nil {
			writeBadRequest(w, err)
			return
		}
	}
	var resp positionResponse
	err = s.run(func(eng *ledger.Engine, st ledger.BatchState) error {
		if err := eng.WithdrawTo(owner, recipient, unitID); err != nil {
			return err
		}
		pos, err := st.GetPosition(owner)
		if err != nil {
			return err
		}
		resp = toPositionResponse(pos)
		return nil
	})
	if err != nil {
		s.logError(r, "withdraw", err)
		writeEngineError(w, err)
		return
	}
	s.metrics.IncWithdrawal()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req pledgeRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	owner, err := parseAddress(req.Owner)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	unitID, err := parseHash(req.UnitID)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var resp positionResponse
	err = s.run(func(eng *ledger.Engine, st ledger.BatchState) error {
		if err := eng.RefreshUnit(owner, unitID); err != nil {
			return err
		}
		pos, err := st.GetPosition(owner)
		if err != nil {
			return err
		}
		resp = toPositionResponse(pos)
		return nil
	})
	if err != nil {
		s.logError(r, "refresh", err)
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request) {
	var req borrowRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	owner, err := parseAddress(req.Owner)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var resp borrowResponse
	err = s.run(func(eng *ledger.Engine, _ ledger.BatchState) error {
		net, fee, err := eng.IncreaseDebt(owner, amount)
		if err != nil {
			return err
		}
		resp = borrowResponse{Net: formatAmount(net), Fee: formatAmount(fee)}
		return nil
	})
	if err != nil {
		s.logError(r, "borrow", err)
		writeEngineError(w, err)
		return
	}
	s.metrics.IncBorrow()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	var req repayRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	owner, err := parseAddress(req.Owner)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var resp repayResponse
	err = s.run(func(eng *ledger.Engine, _ ledger.BatchState) error {
		excess, err := eng.DecreaseDebt(owner, amount)
		if err != nil {
			return err
		}
		resp = repayResponse{Excess: formatAmount(excess)}
		return nil
	})
	if err != nil {
		s.logError(r, "repay", err)
		writeEngineError(w, err)
		return
	}
	s.metrics.IncRepay()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	owner, err := parseAddress(req.Owner)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	pos, err := s.st.GetPosition(owner)
	if err != nil {
		s.logError(r, "position", err)
		writeEngineError(w, err)
		return
	}
	if pos == nil {
		pos = &ledger.Position{Owner: owner}
	}
	writeJSON(w, http.StatusOK, toPositionResponse(pos))
}

func (s *Server) handleCreditLine(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	owner, err := parseAddress(req.Owner)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var resp creditLineResponse
	err = s.run(func(eng *ledger.Engine, _ ledger.BatchState) error {
		line, err := eng.CreditLine(owner)
		if err != nil {
			return err
		}
		resp = creditLineResponse{
			MaxLoan:             formatAmount(line.MaxLoan),
			MaxLoanIgnoreSupply: formatAmount(line.MaxLoanIgnoreSupply),
		}
		return nil
	})
	if err != nil {
		s.logError(r, "credit_line", err)
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var req listRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	seller, err := parseAddress(req.Seller)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	unitID, err := parseHash(req.UnitID)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	price, err := parseAmount(req.Price)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	debtAttached, err := parseOptionalAmount(req.DebtAttached)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	feesAttached, err := parseOptionalAmount(req.FeesAttached)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var allowedBuyer [20]byte
	if req.AllowedBuyer != "" {
		if allowedBuyer, err = parseAddress(req.AllowedBuyer); err != nil {
			writeBadRequest(w, err)
			return
		}
	}
	var nonce [32]byte
	if req.Nonce != "" {
		if nonce, err = parseHash(req.Nonce); err != nil {
			writeBadRequest(w, err)
			return
		}
	}
	var resp listingResponse
	err = s.run(func(eng *ledger.Engine, st ledger.BatchState) error {
		mkt, err := s.market(st, eng)
		if err != nil {
			return err
		}
		listing, err := mkt.CreateListing(seller, unitID, price, debtAttached, feesAttached, allowedBuyer, req.Deadline, nonce)
		if err != nil {
			return err
		}
		resp = toListingResponse(listing)
		return nil
	})
	if err != nil {
		s.logError(r, "list", err)
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	seller, err := parseAddress(req.Seller)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	listingID, err := parseHash(req.ListingID)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	err = s.run(func(eng *ledger.Engine, st ledger.BatchState) error {
		mkt, err := s.market(st, eng)
		if err != nil {
			return err
		}
		return mkt.CancelListing(seller, listingID)
	})
	if err != nil {
		s.logError(r, "cancel", err)
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	listingID, err := parseHash(req.ListingID)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	buyer, err := parseAddress(req.Buyer)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	payment, err := parseAmount(req.Payment)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var resp listingResponse
	err = s.run(func(eng *ledger.Engine, st ledger.BatchState) error {
		mkt, err := s.market(st, eng)
		if err != nil {
			return err
		}
		listing, err := mkt.Settle(listingID, buyer, payment)
		if err != nil {
			return err
		}
		resp = toListingResponse(listing)
		return nil
	})
	if err != nil {
		s.logError(r, "settle", err)
		writeEngineError(w, err)
		return
	}
	s.metrics.IncSettlement()
	writeJSON(w, http.StatusOK, resp)
}

// handleBatch executes an ordered op sequence behind the invariant gate. All
// ops commit together or not at all, with the collateral and liability checks
// applied once at the end.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	if len(req.Ops) == 0 {
		writeBadRequest(w, errors.New("ops required"))
		return
	}
	accounts, err := s.batchAccounts(req.Ops)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	err = s.gate.Execute(accounts, func(eng *ledger.Engine, st ledger.BatchState) error {
		for i, op := range req.Ops {
			if err := s.applyBatchOp(eng, st, op); err != nil {
				return fmt.Errorf("op %d (%s): %w", i, op.Op, err)
			}
		}
		return nil
	})
	if err != nil {
		s.metrics.IncBatchRejection(rejectionReason(err))
		s.logError(r, "batch", err)
		writeEngineError(w, err)
		return
	}
	s.metrics.IncBatchCommit()
	writeJSON(w, http.StatusOK, batchResponse{Ops: len(req.Ops)})
}

// batchAccounts resolves every account a batch can touch before it runs, so
// the gate snapshots them all. Settlement sellers come from the stored
// listing.
func (s *Server) batchAccounts(ops []batchOp) ([][20]byte, error) {
	accounts := make([][20]byte, 0, len(ops)*2)
	for _, op := range ops {
		if op.Owner != "" {
			addr, err := parseAddress(op.Owner)
			if err != nil {
				return nil, err
			}
			accounts = append(accounts, addr)
		}
		if op.Buyer != "" {
			addr, err := parseAddress(op.Buyer)
			if err != nil {
				return nil, err
			}
			accounts = append(accounts, addr)
		}
		if op.Op == "settle" {
			listingID, err := parseHash(op.ListingID)
			if err != nil {
				return nil, err
			}
			listing, err := s.st.GetListing(listingID)
			if err != nil {
				return nil, err
			}
			if listing != nil {
				accounts = append(accounts, listing.Seller)
			}
		}
	}
	return accounts, nil
}

func (s *Server) applyBatchOp(eng *ledger.Engine, st ledger.BatchState, op batchOp) error {
	switch op.Op {
	case "pledge":
		owner, err := parseAddress(op.Owner)
		if err != nil {
			return err
		}
		unitID, err := parseHash(op.UnitID)
		if err != nil {
			return err
		}
		return eng.Pledge(owner, unitID)
	case "withdraw":
		owner, err := parseAddress(op.Owner)
		if err != nil {
			return err
		}
		unitID, err := parseHash(op.UnitID)
		if err != nil {
			return err
		}
		recipient := owner
		if op.To != "" {
			if recipient, err = parseAddress(op.To); err != nil {
				return err
			}
		}
		return eng.WithdrawTo(owner, recipient, unitID)
	case "refresh":
		owner, err := parseAddress(op.Owner)
		if err != nil {
			return err
		}
		unitID, err := parseHash(op.UnitID)
		if err != nil {
			return err
		}
		return eng.RefreshUnit(owner, unitID)
	case "borrow":
		owner, err := parseAddress(op.Owner)
		if err != nil {
			return err
		}
		amount, err := parseAmount(op.Amount)
		if err != nil {
			return err
		}
		_, _, err = eng.IncreaseDebt(owner, amount)
		return err
	case "repay":
		owner, err := parseAddress(op.Owner)
		if err != nil {
			return err
		}
		amount, err := parseAmount(op.Amount)
		if err != nil {
			return err
		}
		_, err = eng.DecreaseDebt(owner, amount)
		return err
	case "settle":
		listingID, err := parseHash(op.ListingID)
		if err != nil {
			return err
		}
		buyer, err := parseAddress(op.Buyer)
		if err != nil {
			return err
		}
		payment, err := parseAmount(op.Payment)
		if err != nil {
			return err
		}
		mkt, err := s.market(st, eng)
		if err != nil {
			return err
		}
		_, err = mkt.Settle(listingID, buyer, payment)
		return err
	default:
		return fmt.Errorf("unknown op %q", op.Op)
	}
}

func rejectionReason(err error) string {
	var badDebt *ledger.BadDebtError
	var shortfall *ledger.UndercollateralizedDebtError
	switch {
	case errors.Is(err, ledger.ErrCollateralCheckFailed):
		return "collateral_check"
	case errors.As(err, &badDebt):
		return "bad_debt"
	case errors.As(err, &shortfall):
		return "shortfall"
	default:
		return "error"
	}
}

func (s *Server) logError(r *http.Request, action string, err error) {
	if statusForError(err) < http.StatusInternalServerError {
		return
	}
	s.logger.Error("ledger rpc error", "action", action, "path", r.URL.Path, "error", err)
}

func decodeRequest(r *http.Request, out any) error {
	if r.Body == nil {
		return errors.New("missing request body")
	}
	defer r.Body.Close()

	reader := io.LimitReader(r.Body, requestLimit)
	data, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if len(data) == 0 {
		return errors.New("request body is empty")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}
