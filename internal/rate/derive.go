package rate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
)

// mockKey 为本地客户端的共享分组密钥。
const mockKey = "MOCK_DEBUG_KEY"

type keyOptions struct {
	APIKey    string `json:"api_key"`
	APIKeyEnv string `json:"api_key_env"`
}

// DeriveKeyFromProviderOptions 由 client 名与其 options 推出限流分组键 "client:sha256(key)"。
// 密钥取自 api_key，其次为 api_key_env 指向的环境变量；mock 与 flaky 缺省使用内置密钥。
// 使用同一密钥的 OpenAI 兼容服务因 client 相同而共享额度。
func DeriveKeyFromProviderOptions(client string, raw json.RawMessage) (LimitKey, error) {
	var o keyOptions
	if len(raw) > 0 {
		// 其余字段由各客户端严格校验，这里只取密钥。
		_ = json.Unmarshal(raw, &o)
	}
	secret := o.APIKey
	if secret == "" && o.APIKeyEnv != "" {
		secret = os.Getenv(o.APIKeyEnv)
	}
	if secret == "" && (client == "mock" || client == "flaky") {
		secret = mockKey
	}
	if secret == "" {
		return "", fmt.Errorf("rate: no api key for client %q", client)
	}
	sum := sha256.Sum256([]byte(secret))
	return LimitKey(client + ":" + hex.EncodeToString(sum[:])), nil
}
