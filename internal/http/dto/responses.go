package dto

type NonceResponse struct {
	Nonce   string `json:"nonce"`
	Message string `json:"message"`
}

type AuthResponse struct {
	Token string `json:"token"`
	User  any    `json:"user"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type SuccessResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}

type BalanceResponse struct {
	Address      string `json:"address"`
	Balance      string `json:"balance"`
	TokenBalance string `json:"token_balance"`
	Cashback     string `json:"cashback"`
	Locked       string `json:"locked"`
	Assets       any    `json:"assets"`
}

type FeePoolResponse struct {
	FeePool   string `json:"fee_pool"`
	EpochPool string `json:"epoch_pool"`
	Epoch     any    `json:"epoch"`
}

type AmountResponse struct {
	Amount string `json:"amount"`
}
