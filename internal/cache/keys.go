package cache

import (
	"encoding/json"
	"fmt"
	"strings"
)

func TxKey(hash string) string {
	return "tx:" + strings.ToLower(hash)
}

func ReceiptKey(hash string) string {
	return "tx:" + strings.ToLower(hash) + ":receipt"
}

func BlockKey(number uint64) string {
	return fmt.Sprintf("block:%d", number)
}

// StateKey builds the key of a contract read. args must be JSON-encodable.
func StateKey(address, method string, args interface{}) string {
	return fmt.Sprintf("state:%s:%s:%s", strings.ToLower(address), method, mustJSON(args))
}

// LogsKey builds the key of a log range query.
func LogsKey(address string, from, to uint64, topics interface{}) string {
	return fmt.Sprintf("logs:%s:%d:%d:%s", strings.ToLower(address), from, to, mustJSON(topics))
}

func mustJSON(v interface{}) string {
	if v == nil {
		return "[]"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
