package wechat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
)

// Payment is a decrypted SUCCESS transaction from a callback.
type Payment struct {
	OutTradeNo    string
	TransactionID string
	TotalFen      int64
	PaidAt        time.Time
}

// Confirmer applies a payment. It must be idempotent per TransactionID.
type Confirmer interface {
	ConfirmPayment(ctx context.Context, p Payment) error
}

// ErrAmountMismatch is returned by a Confirmer when the paid amount differs
// from the order.
var ErrAmountMismatch = errors.New("amount mismatch")

type notifyEnvelope struct {
	ID           string `json:"id"`
	EventType    string `json:"event_type"`
	ResourceType string `json:"resource_type"`
	Resource     struct {
		Algorithm      string `json:"algorithm"`
		Ciphertext     string `json:"ciphertext"`
		AssociatedData string `json:"associated_data"`
		Nonce          string `json:"nonce"`
		OriginalType   string `json:"original_type"`
	} `json:"resource"`
}

type transaction struct {
	OutTradeNo    string `json:"out_trade_no"`
	TransactionID string `json:"transaction_id"`
	TradeState    string `json:"trade_state"`
	SuccessTime   string `json:"success_time"`
	Amount        struct {
		Total int64 `json:"total"`
	} `json:"amount"`
}

// NotifyHandler verifies, decrypts and applies payment callbacks. WeChat
// retries anything that is not a 2xx with code SUCCESS.
func (c *Client) NotifyHandler(confirm Confirmer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeResult(w, http.StatusBadRequest, "read body failed")
			return
		}
		if c.verifier != nil {
			if err := c.verifier.Verify(r.Header, body); err != nil {
				c.log.Warn("wechatpay notify: signature verify failed", "err", err)
				writeResult(w, http.StatusUnauthorized, "invalid signature")
				return
			}
		} else if !c.cfg.Mock {
			writeResult(w, http.StatusInternalServerError, "server config error")
			return
		}

		var env notifyEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			writeResult(w, http.StatusBadRequest, "invalid json")
			return
		}
		plain, err := decryptResource(c.cfg.APIV3Key, env.Resource.AssociatedData, env.Resource.Nonce, env.Resource.Ciphertext)
		if err != nil {
			c.log.Warn("wechatpay notify: decrypt failed", "eventId", env.ID, "err", err)
			writeResult(w, http.StatusBadRequest, "decrypt failed")
			return
		}
		var tx transaction
		if err := json.Unmarshal(plain, &tx); err != nil {
			writeResult(w, http.StatusBadRequest, "invalid payload")
			return
		}
		if strings.TrimSpace(tx.OutTradeNo) == "" {
			writeResult(w, http.StatusBadRequest, "missing out_trade_no")
			return
		}
		if !strings.EqualFold(tx.TradeState, "SUCCESS") {
			// 非成功状态也应答 SUCCESS，避免微信反复重试；订单状态以主动查询为准
			c.log.Info("wechatpay notify: ignore trade state", "orderNo", tx.OutTradeNo, "state", tx.TradeState)
			writeResult(w, http.StatusOK, "")
			return
		}

		p := Payment{OutTradeNo: tx.OutTradeNo, TransactionID: tx.TransactionID, TotalFen: tx.Amount.Total, PaidAt: c.now()}
		if t, err := time.Parse(time.RFC3339, tx.SuccessTime); err == nil {
			p.PaidAt = t
		}
		if p.TransactionID == "" {
			p.TransactionID = env.ID
		}
		if err := confirm.ConfirmPayment(r.Context(), p); err != nil {
			c.log.Error("wechatpay notify: confirm failed", "orderNo", p.OutTradeNo, "transactionId", p.TransactionID, "err", err)
			if errors.Is(err, ErrAmountMismatch) {
				writeResult(w, http.StatusBadRequest, "amount mismatch")
				return
			}
			writeResult(w, http.StatusInternalServerError, "confirm failed")
			return
		}
		writeResult(w, http.StatusOK, "")
	})
}

func writeResult(w http.ResponseWriter, status int, failMsg string) {
	payload := map[string]string{"code": "SUCCESS", "message": "OK"}
	if failMsg != "" {
		payload = map[string]string{"code": "FAIL", "message": failMsg}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
