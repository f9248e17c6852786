package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"time"

	"storystudio/domain"
	"storystudio/query"
)

func (s *Server) getWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.Ledger.Wallet(r.Context(), caller(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, wallet)
}

func (s *Server) listTransactions(w http.ResponseWriter, r *http.Request) {
	f := domain.TxFilter{
		Type:     domain.TxType(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("type")))),
		BizType:  strings.TrimSpace(r.URL.Query().Get("bizType")),
		Page:     queryInt(r, "page", 1),
		PageSize: queryInt(r, "size", 20),
	}
	if f.Type != "" && !f.Type.Valid() {
		s.writeError(w, r, domain.Errorf(domain.CodeParamInvalid, "未知流水类型: %s", f.Type))
		return
	}
	list, total, err := s.Ledger.Transactions(r.Context(), caller(r), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	_, size := f.Window()
	writeOK(w, query.Page[domain.WalletTransaction]{List: list, Total: total, Page: f.Page, PageSize: size})
}

func (s *Server) exportTransactions(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := s.Ledger.ExportXLSX(r.Context(), caller(r), &buf); err != nil {
		s.writeError(w, r, err)
		return
	}
	name := fmt.Sprintf("wallet-%s.xlsx", time.Now().Format("20060102"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

type adjustRequest struct {
	Points int64  `json:"points" validate:"required,ne=0"`
	Remark string `json:"remark" validate:"required,max=255"`
}

func (s *Server) adjustWallet(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req adjustRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.check(req); err != nil {
		s.writeError(w, r, err)
		return
	}
	tx, err := s.Ledger.Adjust(r.Context(), userID, req.Points, req.Remark)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("wallet adjusted", "operator", caller(r), "userId", userID, "points", req.Points, "txId", tx.ID)
	writeOK(w, tx)
}

func (s *Server) verifyWallet(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	report, err := s.Ledger.Verify(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, report)
}
