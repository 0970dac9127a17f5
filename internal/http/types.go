package http

type corsPolicy struct {
	allowedOrigins map[string]struct{}
	allowMethods   string

	allowHeaders string
	maxAge       int
}

type pairExchangeReq struct {
	PairID string `json:"pair_id"`
	Code   string `json:"code"`
}

type pairExchangeResp struct {
	OK     bool   `json:"ok"`
	Token  string `json:"token"`
	Header string `json:"header"`
}

type statusResp struct {
	OK       bool   `json:"ok"`
	Paired   bool   `json:"paired"`
	Unlocked bool   `json:"unlocked"`
	KeyID    string `json:"keyId,omitempty"`
}
