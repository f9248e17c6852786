package wechat

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
)

// verifier checks Wechatpay-Signature headers against the platform
// certificate and/or the platform public key.
type verifier struct {
	certKey    *rsa.PublicKey
	certSerial string
	pubKey     *rsa.PublicKey
	pubKeyID   string
}

func loadVerifier(cfg Config) (*verifier, error) {
	v := &verifier{pubKeyID: strings.TrimSpace(cfg.PlatformKeyID)}
	if p := strings.TrimSpace(cfg.PlatformCertPath); p != "" {
		if cert, err := loadCert(p); err == nil {
			if pub, ok := cert.PublicKey.(*rsa.PublicKey); ok {
				v.certKey = pub
				v.certSerial = strings.ToUpper(cert.SerialNumber.Text(16))
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("加载平台证书失败: %w", err)
		}
	}
	if s := strings.TrimSpace(cfg.PlatformPublicKey); s != "" {
		pub, err := parsePublicKeyPEM(s)
		if err != nil {
			return nil, fmt.Errorf("解析 WECHAT_PLATFORM_PUBLIC_KEY 失败: %w", err)
		}
		v.pubKey = pub
	}
	if v.certKey == nil && v.pubKey == nil {
		return nil, errors.New("缺少平台验签材料：请提供平台证书 WECHAT_PLATFORM_CERT_PATH 或平台公钥 WECHAT_PLATFORM_PUBLIC_KEY")
	}
	return v, nil
}

// Verify checks the callback signature over "timestamp\nnonce\nbody\n".
func (v *verifier) Verify(h http.Header, body []byte) error {
	ts := h.Get("Wechatpay-Timestamp")
	nonce := h.Get("Wechatpay-Nonce")
	sigB64 := h.Get("Wechatpay-Signature")
	serial := strings.ToUpper(strings.TrimSpace(h.Get("Wechatpay-Serial")))
	if ts == "" || nonce == "" || sigB64 == "" || serial == "" {
		return errors.New("缺少微信验签头")
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return err
	}
	digest := sha256.Sum256([]byte(ts + "\n" + nonce + "\n" + string(body) + "\n"))

	// 平台证书会轮换，序列号不一致时仍尝试全部密钥
	for _, pub := range v.keysFor(serial) {
		if rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig) == nil {
			return nil
		}
	}
	return errors.New("验签失败：平台证书/公钥均未通过验证")
}

func (v *verifier) keysFor(serial string) []*rsa.PublicKey {
	var first, rest []*rsa.PublicKey
	add := func(k *rsa.PublicKey, id string) {
		if k == nil {
			return
		}
		if id != "" && strings.EqualFold(id, serial) {
			first = append(first, k)
			return
		}
		rest = append(rest, k)
	}
	add(v.pubKey, v.pubKeyID)
	add(v.certKey, v.certSerial)
	return append(first, rest...)
}

// parsePublicKeyPEM accepts a PKIX public key or a certificate, tolerating
// the escaped newlines and quoting that env injection tends to add.
func parsePublicKeyPEM(text string) (*rsa.PublicKey, error) {
	text = strings.TrimSpace(text)
	if len(text) >= 2 && (text[0] == '"' || text[0] == '\'') && text[len(text)-1] == text[0] {
		text = strings.TrimSpace(text[1 : len(text)-1])
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, `\\n`, "\n")
	text = strings.ReplaceAll(text, `\n`, "\n")

	block, _ := pem.Decode([]byte(text))
	if block == nil {
		return nil, errors.New("无法解析 PEM")
	}
	if pubAny, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		if pub, ok := pubAny.(*rsa.PublicKey); ok {
			return pub, nil
		}
		return nil, errors.New("平台公钥不是 RSA")
	}
	if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
		if pub, ok := cert.PublicKey.(*rsa.PublicKey); ok {
			return pub, nil
		}
		return nil, errors.New("证书公钥不是 RSA")
	}
	return nil, errors.New("无法解析 RSA 公钥")
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, errors.New("无法解析 PEM")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	pk, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rk, ok := pk.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("私钥不是 RSA")
	}
	return rk, nil
}

func loadCert(path string) (*x509.Certificate, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, errors.New("无法解析 PEM")
	}
	return x509.ParseCertificate(block.Bytes)
}
