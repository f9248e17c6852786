// Package wechat is a hand-signed WeChat Pay v3 client for Native (QR code)
// orders and their payment callbacks.
package wechat

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type Client struct {
	cfg      Config
	hc       *http.Client
	key      *rsa.PrivateKey
	serial   string
	verifier *verifier
	log      *slog.Logger
	now      func() time.Time
}

// New loads the merchant key and the platform verification material. In mock
// mode nothing is loaded and orders return a placeholder code_url.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := &Client{
		cfg: cfg,
		hc:  &http.Client{Timeout: cfg.Timeout},
		log: logger.With("component", "wechatpay"),
		now: time.Now,
	}
	if cfg.Mock {
		return c, nil
	}
	key, err := loadPrivateKey(cfg.MerchantKeyPath)
	if err != nil {
		return nil, fmt.Errorf("加载商户私钥失败: %w", err)
	}
	c.key = key
	c.serial = strings.ToUpper(strings.TrimSpace(cfg.MerchantSerial))
	if c.serial == "" {
		cert, err := loadCert(cfg.MerchantCertPath)
		if err != nil {
			return nil, fmt.Errorf("加载商户证书失败: %w", err)
		}
		c.serial = strings.ToUpper(cert.SerialNumber.Text(16))
	}
	if c.verifier, err = loadVerifier(cfg); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) Mock() bool { return c.cfg.Mock }

// CreateNative places a Native order and returns its code_url.
func (c *Client) CreateNative(ctx context.Context, outTradeNo string, totalFen int64, expireAt time.Time) (string, error) {
	if strings.TrimSpace(outTradeNo) == "" {
		return "", errors.New("out_trade_no 为空")
	}
	if totalFen <= 0 {
		return "", errors.New("金额必须为正数(分)")
	}
	if c.cfg.Mock {
		return fmt.Sprintf("weixin://wxpay/bizpayurl?pr=%s", outTradeNo), nil
	}
	body := map[string]any{
		"appid":        c.cfg.AppID,
		"mchid":        c.cfg.MchID,
		"description":  c.cfg.Description,
		"out_trade_no": outTradeNo,
		"notify_url":   c.cfg.NotifyURL,
		"amount": map[string]any{
			"total":    totalFen,
			"currency": "CNY",
		},
	}
	if !expireAt.IsZero() {
		body["time_expire"] = expireAt.Format(time.RFC3339)
	}
	b, _ := json.Marshal(body)
	resp, err := c.post(ctx, "/v3/pay/transactions/native", b)
	if err != nil {
		return "", fmt.Errorf("微信预下单失败: %w", err)
	}
	var out struct {
		CodeURL string `json:"code_url"`
	}
	if err := json.Unmarshal(resp, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.CodeURL) == "" {
		return "", errors.New("微信预下单未返回 code_url")
	}
	return out.CodeURL, nil
}

// Close closes an unpaid order by out_trade_no.
func (c *Client) Close(ctx context.Context, outTradeNo string) error {
	if strings.TrimSpace(outTradeNo) == "" {
		return errors.New("out_trade_no 为空")
	}
	if c.cfg.Mock {
		return nil
	}
	b, _ := json.Marshal(map[string]string{"mchid": c.cfg.MchID})
	if _, err := c.post(ctx, "/v3/pay/transactions/out-trade-no/"+url.PathEscape(outTradeNo)+"/close", b); err != nil {
		return fmt.Errorf("微信关单失败: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	u := c.cfg.BaseURL + path
	canonical, err := url.Parse(u)
	if err != nil {
		return nil, err
	}
	ts := strconv.FormatInt(c.now().Unix(), 10)
	nonce := newNonce()
	sig, err := signRequest(c.key, http.MethodPost, canonical.RequestURI(), ts, nonce, body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf(`WECHATPAY2-SHA256-RSA2048 mchid="%s",nonce_str="%s",timestamp="%s",serial_no="%s",signature="%s"`,
		c.cfg.MchID, nonce, ts, c.serial, sig))

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(b))
		if msg == "" {
			msg = resp.Status
		}
		c.log.Warn("wechatpay request rejected", "path", path, "status", resp.StatusCode, "body", msg)
		return nil, errors.New(msg)
	}
	return b, nil
}

// signRequest signs "method\nurl\ntimestamp\nnonce\nbody\n" with SHA256-RSA.
func signRequest(priv *rsa.PrivateKey, method, canonicalURL, timestamp, nonce string, body []byte) (string, error) {
	if priv == nil {
		return "", errors.New("商户私钥未加载")
	}
	msg := method + "\n" + canonicalURL + "\n" + timestamp + "\n" + nonce + "\n" + string(body) + "\n"
	h := sha256.Sum256([]byte(msg))
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, h[:])
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func newNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 10)
	}
	return hex.EncodeToString(buf)
}
