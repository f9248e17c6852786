package wechat

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.mch.weixin.qq.com"

// Config holds the merchant material for WeChat Pay v3 Native orders.
// Either a platform certificate or a platform public key is needed to
// verify callbacks.
type Config struct {
	Mock      bool
	MchID     string
	AppID     string
	NotifyURL string
	APIV3Key  string

	MerchantKeyPath  string
	MerchantCertPath string
	// MerchantSerial overrides the serial read from MerchantCertPath.
	MerchantSerial string

	PlatformCertPath  string
	PlatformPublicKey string
	PlatformKeyID     string

	BaseURL     string
	Description string
	Timeout     time.Duration
}

func (c Config) withDefaults() Config {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if strings.TrimSpace(c.Description) == "" {
		c.Description = "积分充值"
	}
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
	return c
}

func (c Config) validate() error {
	if c.Mock {
		return nil
	}
	if c.MchID == "" {
		return errors.New("缺少 WECHAT_MCHID")
	}
	if !isValidMchID(c.MchID) {
		return fmt.Errorf("WECHAT_MCHID 非法：%q（必须是纯数字直连商户号）", c.MchID)
	}
	if c.AppID == "" {
		return errors.New("缺少 WECHAT_PAY_APPID")
	}
	if c.NotifyURL == "" {
		return errors.New("缺少 WECHAT_NOTIFY_URL")
	}
	if len(c.APIV3Key) != 32 {
		return errors.New("WECHAT_API_V3_KEY 长度必须为 32 字节")
	}
	return nil
}

func isValidMchID(mchID string) bool {
	mchID = strings.TrimSpace(mchID)
	if mchID == "" {
		return false
	}
	for _, ch := range mchID {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return mchID[0] != '0'
}
