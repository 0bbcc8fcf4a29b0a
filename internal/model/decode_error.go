package model

// DecodeError records a log that matched a tracked contract but failed to decode.
type DecodeError struct {
	BlockNumber uint64 `json:"block_number"`
	TxHash      string `json:"tx_hash"`
	LogIndex    uint64 `json:"log_index"`
	Address     string `json:"address"`
	Topic0      string `json:"topic0"`
	Source      string `json:"source"`
	Error       string `json:"error"`
}
