package bitget

import "time"

const (
	instTypeFutures = "USDT-FUTURES"
	channelTicker   = "ticker"
	channelTrade    = "trade"
	exchangeName    = "BITGET_F"

	maxRetries   = 10
	baseDelay    = 1 * time.Second
	maxDelay     = 60 * time.Second
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
	maxSymbols   = 50
)

type subscribeRequest struct {
	Op   string         `json:"op"`
	Args []subscribeArg `json:"args"`
}

type subscribeArg struct {
	InstType string `json:"instType"`
	Channel  string `json:"channel"`
	InstId   string `json:"instId"`
}

// pushMessage is the envelope of every channel push.
type pushMessage[T any] struct {
	Action string       `json:"action"`
	Arg    subscribeArg `json:"arg"`
	Data   []T          `json:"data"`
	Ts     int64        `json:"ts"`
}

type tickerData struct {
	InstId      string `json:"instId"`
	LastPr      string `json:"lastPr"`
	BidPr       string `json:"bidPr"`
	AskPr       string `json:"askPr"`
	BidSz       string `json:"bidSz"`
	AskSz       string `json:"askSz"`
	FundingRate string `json:"fundingRate"`
	Ts          string `json:"ts"`
}

type tradeData struct {
	Ts      string `json:"ts"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"` // "buy" or "sell", the aggressor
	TradeId string `json:"tradeId"`
}
